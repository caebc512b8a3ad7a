package registry

import "context"

// Registry tracks which users are actively viewing each conversation
// across every process in the cluster. It backs @here resolution: a
// local hub only knows its own connections, so multi-process deployments
// need a shared view.
//
// Entries are best-effort and TTL-bounded; a crashed process's entries
// age out instead of leaking.
type Registry interface {
	AddSubscriber(ctx context.Context, conversationID, userID string) error
	RemoveSubscriber(ctx context.Context, conversationID, userID string) error

	// Subscribers returns the distinct user ids viewing the
	// conversation anywhere in the cluster.
	Subscribers(ctx context.Context, conversationID string) ([]string, error)

	// StartHeartbeat keeps this instance's entries alive by refreshing
	// their TTLs until ctx is cancelled or StopHeartbeat is called.
	StartHeartbeat(ctx context.Context) error
	StopHeartbeat()

	Close() error
}
