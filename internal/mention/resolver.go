package mention

import (
	"regexp"
	"strings"

	"github.com/DevOcho/d8-chat/internal/domain"
	"github.com/DevOcho/d8-chat/internal/roster"
)

// tokenPattern captures @-prefixed word tokens. \w+ is greedy, so
// "@bobby" yields the token "bobby" and never a partial match on "bob".
var tokenPattern = regexp.MustCompile(`@(\w+)`)

// Target is one user a message's mentions resolve to, with the trigger
// that reached them. A user reached several ways keeps only the highest
// priority trigger: username over channel over here.
type Target struct {
	UserID  string
	Trigger domain.MentionTrigger
}

// Resolver turns message bodies into mention targets against a
// conversation roster.
type Resolver struct{}

func NewResolver() *Resolver {
	return &Resolver{}
}

// Resolve scans body for @username, @here and @channel tokens and maps
// them to roster members. Matching is case-insensitive and whole-token;
// tokens that match no member resolve to nothing. The author never
// appears in the result.
//
// subscribedUserIDs bounds @here: it reaches only members with a
// connection currently viewing the conversation. @channel reaches every
// member.
func (r *Resolver) Resolve(body, authorID string, members []roster.Member, subscribedUserIDs []string) []Target {
	matches := tokenPattern.FindAllStringSubmatch(body, -1)
	if len(matches) == 0 {
		return nil
	}

	byName := make(map[string]string, len(members)) // lowercase username -> userID
	for _, m := range members {
		byName[strings.ToLower(m.Username)] = m.UserID
	}
	subscribed := make(map[string]struct{}, len(subscribedUserIDs))
	for _, id := range subscribedUserIDs {
		subscribed[id] = struct{}{}
	}

	resolved := make(map[string]domain.MentionTrigger)
	add := func(userID string, trig domain.MentionTrigger) {
		if userID == authorID {
			return
		}
		if cur, ok := resolved[userID]; ok && priority(cur) >= priority(trig) {
			return
		}
		resolved[userID] = trig
	}

	for _, m := range matches {
		token := strings.ToLower(m[1])
		switch token {
		case "here":
			for _, mem := range members {
				if _, ok := subscribed[mem.UserID]; ok {
					add(mem.UserID, domain.TriggerHere)
				}
			}
		case "channel":
			for _, mem := range members {
				add(mem.UserID, domain.TriggerChannel)
			}
		default:
			if userID, ok := byName[token]; ok {
				add(userID, domain.TriggerUsername)
			}
		}
	}

	if len(resolved) == 0 {
		return nil
	}
	out := make([]Target, 0, len(resolved))
	for userID, trig := range resolved {
		out = append(out, Target{UserID: userID, Trigger: trig})
	}
	return out
}

func priority(t domain.MentionTrigger) int {
	switch t {
	case domain.TriggerUsername:
		return 3
	case domain.TriggerChannel:
		return 2
	case domain.TriggerHere:
		return 1
	}
	return 0
}
