package llm

import (
	"net/http"

	xerrors "HiveMind-Copilot/internal/errors"
)

const (
	CodeProviderTimeout         xerrors.Code = "PROVIDER_TIMEOUT"
	CodeProviderRateLimited     xerrors.Code = "PROVIDER_RATE_LIMITED"
	CodeProviderUnavailable     xerrors.Code = "PROVIDER_UNAVAILABLE"
	CodeProviderInvalidResponse xerrors.Code = "PROVIDER_INVALID_RESPONSE"
)

func init() {
	xerrors.Register(CodeProviderTimeout, xerrors.Attributes{Message: "provider timed out", Severity: xerrors.SeverityWarning, Retryable: true, HTTPStatus: http.StatusGatewayTimeout})
	xerrors.Register(CodeProviderRateLimited, xerrors.Attributes{Message: "provider rate limited", Severity: xerrors.SeverityWarning, Retryable: true, HTTPStatus: http.StatusTooManyRequests})
	xerrors.Register(CodeProviderUnavailable, xerrors.Attributes{Message: "provider unavailable", Severity: xerrors.SeverityWarning, Retryable: true, Alert: true, HTTPStatus: http.StatusServiceUnavailable})
	xerrors.Register(CodeProviderInvalidResponse, xerrors.Attributes{Message: "provider returned an invalid response", Severity: xerrors.SeverityWarning, HTTPStatus: http.StatusBadGateway})
}

// Code 返回失败分类对应的统一错误码。
func (k ErrorKind) Code() xerrors.Code {
	switch k {
	case KindTimeout:
		return CodeProviderTimeout
	case KindRateLimited:
		return CodeProviderRateLimited
	case KindInvalidResponse:
		return CodeProviderInvalidResponse
	default:
		return CodeProviderUnavailable
	}
}

// AsCoded 将提供方错误转换为统一错误类型，保留原始错误链。
func AsCoded(err error) *xerrors.Error {
	if err == nil {
		return nil
	}
	kind := KindOf(err)
	return xerrors.Wrap(kind.Code(), err, "", xerrors.WithMetadata("kind", string(kind)))
}
