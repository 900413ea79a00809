package models

import "regexp"

var mentionPattern = regexp.MustCompile(`@(\w+)`)

// ExtractMentions returns the @-mentioned names in a chat message body,
// in order of appearance, without duplicates.
func ExtractMentions(body string) StringList {
	matches := mentionPattern.FindAllStringSubmatch(body, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(matches))
	mentions := make(StringList, 0, len(matches))
	for _, m := range matches {
		name := m[1]
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		mentions = append(mentions, name)
	}
	return mentions
}
