package heuristics

// defaultKeywords are matched as case-insensitive substrings. Each distinct hit
// adds to the text score.
var defaultKeywords = []string{
	// crypto and financial scams
	"bitcoin", "ethereum", "crypto", "nft", "blockchain", "wallet",
	"free bitcoin", "earn crypto", "buy bitcoin", "mining",
	"nigerian prince", "western union", "money transfer", "wire transfer",
	"paypal verified", "limited time offer", "free money", "earn cash",
	"make money fast", "forex", "casino",

	// adult content
	"xxx", "porn", "sex cam", "adult cam", "hot singles", "viagra",

	// phishing
	"click link", "verify account", "verify your account", "confirm identity",
	"confirm your password", "update payment", "suspicious activity",
	"unusual activity", "suspended account", "click here immediately",

	// malware signatures
	".exe", ".bat", ".ps1", "cmd.exe", "powershell", "system32",

	// generic spam
	"congratulations won", "claim prize", "click here", "click here now",
	"best prices", "act now", "buy now", "urgent", "call now", "contact now",

	// ru spam
	"заработок", "вклады", "инвестиции", "богатство", "успех",
	"быстрые деньги", "легкие деньги", "без вложений",
}

// DefaultKeywords returns a copy of the built-in keyword list.
func DefaultKeywords() []string {
	out := make([]string, len(defaultKeywords))
	copy(out, defaultKeywords)
	return out
}
