package translate

import (
	"github.com/tidwall/gjson"

	hub "github.com/relaymesh/cch/internal"
)

// minCacheDelta is the smallest prompt growth counted as fresh input; smaller
// growth is cache creation on top of a fully cached prefix.
const minCacheDelta = 50

// ExtractUsage pulls the usage numbers out of a raw response body in the
// given dialect, normalized so InputTokens excludes cache reads.
func ExtractUsage(f hub.Family, body []byte) hub.Usage {
	switch f {
	case hub.FamilyClaude:
		return claudeUsageFromResult(gjson.GetBytes(body, "usage"))
	case hub.FamilyOpenAI:
		return openaiUsageFromResult(gjson.GetBytes(body, "usage"))
	case hub.FamilyResponses:
		return responsesUsageFromResult(gjson.GetBytes(body, "usage"))
	case hub.FamilyGemini:
		return geminiUsageFromResult(gjson.GetBytes(body, "usageMetadata"))
	default:
		return hub.Usage{}
	}
}

func geminiUsageFromResult(u gjson.Result) hub.Usage {
	out := hub.Usage{
		InputTokens:  int(u.Get("promptTokenCount").Int()),
		OutputTokens: int(u.Get("candidatesTokenCount").Int()),
	}
	if cached := int(u.Get("cachedContentTokenCount").Int()); cached > 0 {
		out.CacheReadTokens = cached
		out.InputTokens = max(out.InputTokens-cached, 0)
	}
	return out
}

// EstimateUsage approximates token usage from character counts when an
// upstream reported none. lastInput is the session's previous input size in
// tokens: the shared prefix counts as cache reads and only growth beyond it
// as fresh input.
func EstimateUsage(inputChars, outputChars int, lastInput int64) hub.Usage {
	in := tokensFromChars(inputChars)
	out := hub.Usage{OutputTokens: tokensFromChars(outputChars), Estimated: true}
	switch last := int(lastInput); {
	case last <= 0:
		out.InputTokens = in
	case in <= last:
		out.CacheReadTokens = in
	case in-last < minCacheDelta:
		out.CacheReadTokens = last
		out.CacheCreationTokens = in - last
	default:
		out.CacheReadTokens = last
		out.InputTokens = in - last
	}
	return out
}

// SimulateCache re-splits reported input into a cached prefix plus growth,
// for providers that serve repeated prompts but never report cache fields.
func SimulateCache(u hub.Usage, lastInput int64) hub.Usage {
	if u.CacheReadTokens > 0 || u.CacheCreationTokens > 0 || u.InputTokens == 0 {
		return u
	}
	last := int(lastInput)
	if last <= 0 {
		return u
	}
	in := u.InputTokens
	switch {
	case in <= last:
		u.CacheReadTokens = in
		u.InputTokens = 0
	case in-last < minCacheDelta:
		u.CacheReadTokens = last
		u.CacheCreationTokens = in - last
		u.InputTokens = 0
	default:
		u.CacheReadTokens = last
		u.InputTokens = in - last
	}
	return u
}

// tokensFromChars is the four-characters-per-token rule of thumb.
func tokensFromChars(n int) int {
	if n <= 0 {
		return 0
	}
	return (n + 3) / 4
}
