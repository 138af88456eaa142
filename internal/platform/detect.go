package platform

import (
	"regexp"

	"github.com/Averden/uploadmatrix/internal/types"
)

// maxDetectLen bounds the text handed to the regexes so a pathological page
// dump cannot stall the matcher.
const maxDetectLen = 100 * 1024

// failurePattern maps studio UI failure text to an error category.
type failurePattern struct {
	pattern     *regexp.Regexp
	code        string
	category    types.ErrorCategory
	retryable   bool
	description string
}

// failurePatterns is ordered by specificity; the first match wins.
// Patterns use bounded character classes instead of `.` so they cannot
// backtrack across large HTML dumps.
var failurePatterns = []failurePattern{
	{
		pattern:     regexp.MustCompile(`(?i)daily\s{1,3}upload\s{1,3}limit`),
		code:        "DAILY_LIMIT",
		category:    types.CategoryRateLimit,
		retryable:   true, // another account may still have quota
		description: "daily upload limit reached",
	},
	{
		pattern:     regexp.MustCompile(`(?i)upload\s{1,3}(limit|quota)\s{1,3}(reached|exceeded)`),
		code:        "UPLOAD_QUOTA",
		category:    types.CategoryRateLimit,
		retryable:   true,
		description: "upload quota exceeded",
	},
	{
		pattern:     regexp.MustCompile(`(?i)too\s{1,3}many\s{1,3}(uploads|requests)`),
		code:        "TOO_MANY_UPLOADS",
		category:    types.CategoryRateLimit,
		retryable:   true,
		description: "upload rate limited",
	},
	{
		pattern:     regexp.MustCompile(`(?i)account[^<]{0,40}(suspended|terminated)`),
		code:        "ACCOUNT_SUSPENDED",
		category:    types.CategorySuspended,
		retryable:   false,
		description: "account suspended",
	},
	{
		pattern:     regexp.MustCompile(`(?i)(sign\s{1,3}in|session\s{1,3}expired|verify\s{1,3}it.?s\s{1,3}you)`),
		code:        "SIGNED_OUT",
		category:    types.CategoryAuth,
		retryable:   false,
		description: "session no longer authenticated",
	},
	{
		pattern:     regexp.MustCompile(`(?i)(file\s{1,3}(type|format)[^<]{0,30}not\s{1,3}supported|invalid\s{1,3}(file|video))`),
		code:        "INVALID_FILE",
		category:    types.CategoryValidation,
		retryable:   false,
		description: "video file rejected",
	},
	{
		pattern:     regexp.MustCompile(`(?i)processing\s{1,3}abandoned`),
		code:        "PROCESSING_ABANDONED",
		category:    types.CategoryValidation,
		retryable:   false,
		description: "platform abandoned processing the file",
	},
	{
		pattern:     regexp.MustCompile(`(?i)(network\s{1,3}error|connection\s{1,3}(lost|interrupted))`),
		code:        "NETWORK",
		category:    types.CategoryNetwork,
		retryable:   true,
		description: "connection lost during upload",
	},
	{
		pattern:     regexp.MustCompile(`(?i)(something\s{1,3}went\s{1,3}wrong|try\s{1,3}again\s{1,3}later)`),
		code:        "TRANSIENT",
		category:    types.CategoryUnknown,
		retryable:   true,
		description: "transient platform error",
	},
}

// FailureInfo describes a recognized failure message.
type FailureInfo struct {
	Code        string
	Category    types.ErrorCategory
	Retryable   bool
	Description string
}

// DetectFailure scans visible page text for known failure messages.
func DetectFailure(text string) (FailureInfo, bool) {
	if len(text) > maxDetectLen {
		text = text[:maxDetectLen]
	}
	for _, p := range failurePatterns {
		if p.pattern.MatchString(text) {
			return FailureInfo{
				Code:        p.code,
				Category:    p.category,
				Retryable:   p.retryable,
				Description: p.description,
			}, true
		}
	}
	return FailureInfo{}, false
}
