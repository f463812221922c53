package executor

import "github.com/eternisai/enchanted-proxy/internal/config"

// DetectMediaIntent implements §4.4's media-intent detection: requested
// when the generation config lists an IMAGE modality, or the last
// message's text matches any configured keyword, case-insensitively.
func DetectMediaIntent(req *GenerateRequest, lastMessageText string, aliases *config.ModelAliasConfig) bool {
	if req.GenerationConfig != nil {
		for _, modality := range req.GenerationConfig.ResponseModalities {
			if modality == "IMAGE" {
				return true
			}
		}
	}
	if aliases != nil && aliases.HasMediaKeyword(lastMessageText) {
		return true
	}
	return false
}
