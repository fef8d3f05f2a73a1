package orchestrator

import (
	"fmt"
	"strings"

	"HiveMind-Copilot/internal/knowledge"
	"HiveMind-Copilot/internal/llm"
	"HiveMind-Copilot/internal/normalize"
	"HiveMind-Copilot/internal/pipeline"
)

const defaultChatMaxTokens = 1000

const chatSystemPrompt = `You are HiveMind Copilot, an AI assistant specialized in blockchain development,
smart contracts and Hedera Hashgraph. You help developers with smart contract development
and debugging, blockchain architecture questions, Hedera-specific features and APIs,
security best practices and code optimization.
Provide helpful, accurate and concise responses.`

const docsSystemPrompt = `You are a documentation assistant for HiveMind Copilot. You help developers find
information about the Hedera SDK and APIs, smart contract development, blockchain concepts
and development tools.
Answer with a JSON object {"answer": string, "sources": [{"title": string, "url": string, "snippet": string}]}.
Cite only the references you were given.`

const analyzeSystemPrompt = `Analyze the following %s code for:
1. Security vulnerabilities
2. Gas optimization opportunities (if applicable)
3. Best practices violations
4. Potential bugs
Format your response as a JSON object with the keys "security", "gas", "best_practices"
and "bugs", each a list of findings, and a "summary" string.`

const auditSystemPrompt = `You are a smart contract security auditor. Review the %s code and respond with a
JSON object {"summary": string, "vulnerabilities": [{"name": string, "description": string,
"severity": "critical|high|medium|low|info", "location": string, "recommendation": string}]}.
Report an empty list when the code has no vulnerabilities.`

func language(opts pipeline.Options) string {
	if opts.Language != "" {
		return opts.Language
	}
	return "solidity"
}

func testFramework(lang string) string {
	if strings.EqualFold(lang, "solidity") {
		return "Hardhat"
	}
	return "pytest"
}

// stepInput 是步骤启动前准备好的只读输入。
type stepInput struct {
	index      int
	req        pipeline.Request
	step       pipeline.Step
	dependency *normalize.CanonicalResult
	references []knowledge.Snippet
}

// code 返回步骤要处理的源码：依赖步骤生成的代码优先于原始载荷。
func (in stepInput) code() string {
	if in.dependency != nil && in.dependency.Fields.Code != "" {
		return in.dependency.Fields.Code
	}
	return in.req.Payload
}

func buildPrompt(in stepInput) llm.Request {
	opts := in.req.Options
	lang := language(opts)
	out := llm.Request{MaxTokens: opts.MaxTokens, Purpose: llm.PurposeReason}

	switch in.step.Task {
	case normalize.TaskGenerate:
		out.Purpose = llm.PurposeCode
		out.System = fmt.Sprintf("You are an expert %s developer. Generate clean, secure, and efficient code. Return the code in a single fenced code block followed by a short explanation.", lang)
		out.Prompt = withContext(in.req.Payload, opts.Context)
	case normalize.TaskTests:
		out.Purpose = llm.PurposeCode
		out.System = fmt.Sprintf("You are an expert in writing tests for %s code. Generate comprehensive test cases using %s for the following code. Include tests for both normal operation and edge cases. Return the tests in a single fenced code block.", lang, testFramework(lang))
		out.Prompt = in.code()
	case normalize.TaskAnalyze:
		out.System = fmt.Sprintf(analyzeSystemPrompt, lang)
		out.Prompt = in.code()
	case normalize.TaskAudit:
		out.System = fmt.Sprintf(auditSystemPrompt, lang)
		out.Prompt = in.code()
	case normalize.TaskChat:
		out.System = chatSystemPrompt
		if opts.Context != "" {
			out.System += "\n\nAdditional context: " + opts.Context
		}
		out.Prompt = in.req.Payload
		if out.MaxTokens == 0 {
			out.MaxTokens = defaultChatMaxTokens
		}
	case normalize.TaskDocs:
		out.System = docsSystemPrompt
		if opts.Context != "" {
			out.System += "\n\nQuery context: " + opts.Context
		}
		out.Prompt = "Please help me with: " + in.req.Payload + formatReferences(in.references)
	}
	return out
}

func withContext(payload, extra string) string {
	if extra == "" {
		return payload
	}
	return payload + "\n\nAdditional context:\n" + extra
}

func formatReferences(refs []knowledge.Snippet) string {
	if len(refs) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("\n\nReferences:\n")
	for i, ref := range refs {
		fmt.Fprintf(&b, "[%d] %s (%s): %s\n", i+1, ref.Title, ref.URL, ref.Content)
	}
	return b.String()
}
