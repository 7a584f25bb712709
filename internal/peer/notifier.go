package peer

import (
	"context"
	"log"
	"strings"

	"skylane/internal/auth"
	"skylane/internal/domain"
)

// Notifier fans out change notifications to the subscriber list returned by
// a Registry mutation. Failures are logged and not retried here; retry policy
// belongs to whoever schedules the work.
type Notifier struct {
	Client      *Client
	OwnBaseURL  string
	TestDomains []string
	Logger      *log.Logger
}

func (n *Notifier) logger() *log.Logger {
	if n.Logger != nil {
		return n.Logger
	}
	return log.Default()
}

// Fanout notifies every subscriber whose audience is neither self nor a test
// domain. intent is nil for a deletion. Returns the number of deliveries that
// succeeded.
func (n *Notifier) Fanout(ctx context.Context, intentID string, intent *domain.OperationalIntent, subscribers []domain.Subscriber) int {
	delivered := 0
	ownAudience := auth.AudienceOf(n.OwnBaseURL)
	for _, sub := range subscribers {
		audience := auth.AudienceOf(sub.USSBaseURL)
		if audience == "" || audience == ownAudience {
			continue
		}
		if n.isTestDomain(audience) {
			continue
		}
		err := n.Client.Notify(ctx, sub.USSBaseURL, Notification{
			OperationalIntentID: intentID,
			OperationalIntent:   intent,
			Subscriptions:       sub.Subscriptions,
		})
		if err != nil {
			n.logger().Printf("notify: deliver to %s failed: %v", sub.USSBaseURL, err)
			continue
		}
		delivered++
	}
	return delivered
}

func (n *Notifier) isTestDomain(audience string) bool {
	for _, d := range n.TestDomains {
		d = strings.TrimSpace(d)
		if d == "" {
			continue
		}
		if audience == d || strings.HasSuffix(audience, "."+strings.TrimPrefix(d, ".")) || strings.HasSuffix(audience, d) {
			return true
		}
	}
	return false
}
