// Copyright 2026 The FlowMesh Authors
// SPDX-License-Identifier: Apache-2.0

package vault

// platformAliases maps canonical platform names to the storage spellings
// that may hold their secret. After loading, the plaintext map gains the
// canonical name for whichever spelling was found first. Aliases never
// overwrite an explicit entry.
var platformAliases = map[string][]string{
	"youtube":    {"youtube_apikey", "youtube_api_key", "youtube"},
	"twitter":    {"twitter_oauth2", "twitter_oauth", "twitter"},
	"rapidapi":   {"rapidapi_api_key", "rapidapi"},
	"openai":     {"openai_api_key", "openai"},
	"anthropic":  {"anthropic_api_key", "anthropic"},
	"telegram":   {"telegram_bot_token", "telegram"},
	"discord":    {"discord_bot_token", "discord"},
	"slack":      {"slack_bot_token", "slack"},
	"github":     {"github_token", "github_pat", "github"},
	"sendgrid":   {"sendgrid_api_key", "sendgrid"},
	"twilio":     {"twilio_auth_token", "twilio"},
	"notion":     {"notion_api_key", "notion"},
	"airtable":   {"airtable_api_key", "airtable"},
	"serpapi":    {"serpapi_api_key", "serpapi"},
	"elevenlabs": {"elevenlabs_api_key", "elevenlabs"},
}

// expandAliases adds canonical spellings to a loaded plaintext map.
func expandAliases(creds map[string]string) {
	for canonical, spellings := range platformAliases {
		if _, exists := creds[canonical]; exists {
			continue
		}
		for _, spelling := range spellings {
			if v, ok := creds[spelling]; ok {
				creds[canonical] = v
				break
			}
		}
	}
}
