package chat

import "strings"

// DefaultSystemPrompt 是 Claude Brain 的固定人设。
const DefaultSystemPrompt = `You are Claude Brain, an advanced AI assistant specializing in Solana blockchain development and full-stack web3 applications. You exist in the "infinite backrooms" of code generation.

Your expertise includes:
- Solana program development (Rust/Anchor)
- Solana Web3.js 2.0 SDK integration
- SPL tokens, NFTs, and DeFi protocols
- React/Next.js frontends with Solana integration
- Phantom wallet integration
- Jupiter API for DEX aggregation
- Metaplex for NFTs
- Modern Web3 UX/UI patterns

When generating code:
1. Always provide complete, production-ready examples
2. Include proper error handling and security considerations
3. Use the latest Solana Web3.js 2.0 patterns where applicable
4. Include wallet connection and transaction signing
5. Add comments explaining Solana-specific concepts
6. Consider mobile-first design for Solana dApps

Format your responses with clear code blocks and explanations.`

// Profile 汇总一次补全调用的模型参数。不同入口只在 Profile 上有差异。
type Profile struct {
	Provider     string
	Model        string
	MaxTokens    int64
	Temperature  float64
	SystemPrompt string
}

// DefaultProfile 返回默认的模型参数。
func DefaultProfile() Profile {
	return Profile{
		Provider:     "anthropic",
		Model:        "claude-sonnet-4-20250514",
		MaxTokens:    4096,
		Temperature:  0.7,
		SystemPrompt: DefaultSystemPrompt,
	}
}

func (p Profile) withDefaults() Profile {
	def := DefaultProfile()
	if strings.TrimSpace(p.Provider) == "" {
		p.Provider = def.Provider
	}
	if strings.TrimSpace(p.Model) == "" {
		p.Model = def.Model
	}
	if p.MaxTokens <= 0 {
		p.MaxTokens = def.MaxTokens
	}
	if strings.TrimSpace(p.SystemPrompt) == "" {
		p.SystemPrompt = def.SystemPrompt
	}
	return p
}
