package migrations

import (
	"embed"
	"io/fs"
)

// Files 暴露所有 SQL 迁移文件，按数据库驱动分目录存放。
//
//go:embed mysql/*.sql sqlite/*.sql
var Files embed.FS

// For 返回指定驱动的迁移目录。
func For(driver string) (fs.FS, error) {
	return fs.Sub(Files, driver)
}
