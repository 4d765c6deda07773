package gateway

import (
	"time"

	"github.com/tidwall/gjson"
)

// twitterTimeLayout is the creation-time format used by the upstream
// ("Tue Dec 10 07:00:30 +0000 2024").
const twitterTimeLayout = "Mon Jan 02 15:04:05 -0700 2006"

// page is one normalized upstream page before payload assembly.
type page struct {
	tweets    []Tweet
	users     []User
	rules     []WebhookRule
	itemCount int
	cursor    string
	hasMore   bool
}

// normalizePage converts one raw upstream response body into the stable
// internal shape for its endpoint category. Upstream shapes have been
// observed to drift over time, so extraction is tolerant: missing optional
// fields never fail, item arrays are probed under every spelling seen in
// production, and only a body with no recognizable structure at all is
// rejected as a NormalizationError.
func normalizePage(endpoint Endpoint, body []byte) (*page, error) {
	if !gjson.ValidBytes(body) {
		return nil, &NormalizationError{Endpoint: endpoint, Reason: "response is not valid JSON"}
	}
	root := gjson.ParseBytes(body)

	p := &page{}
	switch endpoint {
	case EndpointSearch, EndpointTweetReplies, EndpointListTweets:
		p.tweets = extractTweets(root, "tweets", "data.tweets", "data")
	case EndpointUserTweets:
		p.tweets = extractUserTweets(root)
	case EndpointUserLookup:
		p.users = extractUsers(root, "data", "user")
	case EndpointUserBatch:
		p.users = extractUsers(root, "users", "data.users")
	case EndpointFollowers:
		p.users = extractUsers(root, "followers", "followings", "users", "data.followers")
	case EndpointWebhookRules:
		p.rules = extractRules(root)
	default:
		return nil, &NormalizationError{Endpoint: endpoint, Reason: "no normalizer for endpoint"}
	}

	p.itemCount = len(p.tweets) + len(p.users) + len(p.rules)
	p.hasMore, p.cursor = extractCursor(root)

	// A zero-item response is valid data ("no more results"), but a body
	// that carries neither items nor a recognizable envelope means the
	// upstream changed shape beyond tolerance.
	if p.itemCount == 0 && !recognizableEnvelope(root, endpoint) {
		return nil, &NormalizationError{Endpoint: endpoint, Reason: "no recognizable items or status envelope"}
	}
	return p, nil
}

// recognizableEnvelope reports whether an item-less body still looks like a
// well-formed upstream response rather than an unknown shape.
func recognizableEnvelope(root gjson.Result, endpoint Endpoint) bool {
	if root.Get("status").String() == "success" {
		return true
	}
	for _, key := range []string{"tweets", "users", "followers", "followings", "rules", "data", "has_next_page"} {
		if root.Get(key).Exists() {
			return true
		}
	}
	return false
}

// extractCursor handles the upstream's pagination inconsistencies: the
// documented has_next_page/next_cursor pair, plus the alternative cursor
// spellings seen on some endpoints. has_next_page without a cursor means
// no next page.
func extractCursor(root gjson.Result) (bool, string) {
	if root.Get("has_next_page").Exists() {
		hasNext := root.Get("has_next_page").Bool()
		cursor := root.Get("next_cursor").String()
		if !hasNext || cursor == "" {
			return false, ""
		}
		return true, cursor
	}
	for _, key := range []string{"next_cursor", "next_token", "next_page"} {
		if cursor := root.Get(key).String(); cursor != "" {
			return true, cursor
		}
	}
	return false, ""
}

// extractTweets collects tweet objects from the first present path. A
// single object where an array was expected is treated as one item.
func extractTweets(root gjson.Result, paths ...string) []Tweet {
	for _, path := range paths {
		node := root.Get(path)
		if !node.Exists() {
			continue
		}
		if node.IsArray() {
			arr := node.Array()
			tweets := make([]Tweet, 0, len(arr))
			for _, t := range arr {
				tweets = append(tweets, parseTweet(t, false))
			}
			return tweets
		}
		if node.IsObject() && node.Get("id").Exists() {
			return []Tweet{parseTweet(node, false)}
		}
	}
	return []Tweet{}
}

// extractUserTweets handles the user-tweets envelope, which nests regular
// tweets under data.tweets and may carry a pinned tweet (object or array)
// under data.pin_tweet.
func extractUserTweets(root gjson.Result) []Tweet {
	data := root.Get("data")
	if !data.Exists() {
		return extractTweets(root, "tweets")
	}

	tweets := make([]Tweet, 0)
	pin := data.Get("pin_tweet")
	switch {
	case pin.IsObject():
		tweets = append(tweets, parseTweet(pin, true))
	case pin.IsArray():
		for _, t := range pin.Array() {
			if t.IsObject() {
				tweets = append(tweets, parseTweet(t, true))
			}
		}
	}

	regular := data.Get("tweets")
	switch {
	case regular.IsArray():
		for _, t := range regular.Array() {
			tweets = append(tweets, parseTweet(t, false))
		}
	case regular.IsObject():
		tweets = append(tweets, parseTweet(regular, false))
	case !regular.Exists() && data.IsArray():
		for _, t := range data.Array() {
			tweets = append(tweets, parseTweet(t, false))
		}
	case !regular.Exists() && data.IsObject() && data.Get("id").Exists():
		tweets = append(tweets, parseTweet(data, false))
	}
	return tweets
}

func extractUsers(root gjson.Result, paths ...string) []User {
	for _, path := range paths {
		node := root.Get(path)
		if !node.Exists() {
			continue
		}
		if node.IsArray() {
			arr := node.Array()
			users := make([]User, 0, len(arr))
			for _, u := range arr {
				users = append(users, parseUser(u))
			}
			return users
		}
		if node.IsObject() {
			return []User{parseUser(node)}
		}
	}
	return []User{}
}

func extractRules(root gjson.Result) []WebhookRule {
	node := root.Get("rules")
	if !node.Exists() {
		node = root.Get("data")
	}
	if !node.IsArray() {
		if node.IsObject() {
			return []WebhookRule{parseRule(node)}
		}
		return []WebhookRule{}
	}
	arr := node.Array()
	rules := make([]WebhookRule, 0, len(arr))
	for _, r := range arr {
		rules = append(rules, parseRule(r))
	}
	return rules
}

func parseTweet(t gjson.Result, pinned bool) Tweet {
	tweet := Tweet{
		ID:             firstString(t, "id", "id_str"),
		Text:           firstString(t, "text", "full_text"),
		AuthorID:       firstString(t, "author.id", "author.id_str", "user_id"),
		AuthorUsername: firstString(t, "author.userName", "author.screen_name", "author.username"),
		ReplyCount:     int(t.Get("replyCount").Int()),
		RetweetCount:   int(t.Get("retweetCount").Int()),
		LikeCount:      int(t.Get("likeCount").Int()),
		Pinned:         pinned || t.Get("is_pinned").Bool(),
	}
	if raw := firstString(t, "createdAt", "created_at"); raw != "" {
		if ts, err := time.Parse(twitterTimeLayout, raw); err == nil {
			tweet.CreatedAt = ts
		}
	}
	return tweet
}

func parseUser(u gjson.Result) User {
	user := User{
		ID:          firstString(u, "id", "id_str"),
		Username:    firstString(u, "userName", "screen_name", "username"),
		Name:        u.Get("name").String(),
		Description: u.Get("description").String(),
		Followers:   int(firstInt(u, "followers", "followers_count")),
		Following:   int(firstInt(u, "following", "friends_count")),
		Verified:    u.Get("isBlueVerified").Bool() || u.Get("verified").Bool(),
	}
	if raw := firstString(u, "createdAt", "created_at"); raw != "" {
		if ts, err := time.Parse(twitterTimeLayout, raw); err == nil {
			user.CreatedAt = ts
		}
	}
	return user
}

func parseRule(r gjson.Result) WebhookRule {
	return WebhookRule{
		ID:              firstString(r, "rule_id", "id"),
		Tag:             r.Get("tag").String(),
		Value:           r.Get("value").String(),
		IntervalSeconds: int(r.Get("interval_seconds").Int()),
		Active:          r.Get("is_effect").Int() == 1,
	}
}

func firstString(node gjson.Result, paths ...string) string {
	for _, p := range paths {
		if v := node.Get(p); v.Exists() && v.String() != "" {
			return v.String()
		}
	}
	return ""
}

func firstInt(node gjson.Result, paths ...string) int64 {
	for _, p := range paths {
		if v := node.Get(p); v.Exists() {
			return v.Int()
		}
	}
	return 0
}
