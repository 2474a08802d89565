package dbp2p

import (
	"cmp"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"golang.org/x/exp/maps"
)

// comparable
// An empty `DocumentId` is a collection-wide subscription.
type Subscription struct {
	Collection string `json:"collection"`
	DocumentId string `json:"document_id"`
}

func (self Subscription) String() string {
	if self.DocumentId == "" {
		return self.Collection
	}
	return fmt.Sprintf("%s/%s", self.Collection, self.DocumentId)
}

const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
)

// outbound frame on the event channel
type SubscriptionFrame struct {
	Action     string `json:"action"`
	Collection string `json:"collection"`
	DocumentId string `json:"document_id"`
}

func (self Subscription) SubscribeFrame() *SubscriptionFrame {
	return &SubscriptionFrame{
		Action:     ActionSubscribe,
		Collection: self.Collection,
		DocumentId: self.DocumentId,
	}
}

func (self Subscription) UnsubscribeFrame() *SubscriptionFrame {
	return &SubscriptionFrame{
		Action:     ActionUnsubscribe,
		Collection: self.Collection,
		DocumentId: self.DocumentId,
	}
}

// an immutable version of the registry content
type registryState struct {
	// insertion order, clipped so that appends by a reader never share the array
	subscriptions []Subscription
	members       map[Subscription]bool
}

// the authoritative set of subscriptions, replayed each time the event channel opens.
// Members are kept in insertion order. Every member is replayable on its own.
// Writers serialize on a mutex and publish a new state. Readers never lock,
// so replay on the receive path does not wait on a concurrent subscribe.
type SubscriptionRegistry struct {
	mutex sync.Mutex
	state atomic.Pointer[registryState]
}

func NewSubscriptionRegistry() *SubscriptionRegistry {
	registry := &SubscriptionRegistry{}
	registry.state.Store(&registryState{
		subscriptions: []Subscription{},
		members:       map[Subscription]bool{},
	})
	return registry
}

// returns true if the subscription is new
func (self *SubscriptionRegistry) Add(collection string, documentId string) bool {
	subscription := Subscription{
		Collection: collection,
		DocumentId: documentId,
	}

	self.mutex.Lock()
	defer self.mutex.Unlock()

	state := self.state.Load()
	if state.members[subscription] {
		// already present
		return false
	}
	nextMembers := maps.Clone(state.members)
	nextMembers[subscription] = true
	nextSubscriptions := slices.Clone(state.subscriptions)
	nextSubscriptions = append(nextSubscriptions, subscription)
	self.state.Store(&registryState{
		subscriptions: slices.Clip(nextSubscriptions),
		members:       nextMembers,
	})
	return true
}

// returns true if the subscription was present
func (self *SubscriptionRegistry) Remove(collection string, documentId string) bool {
	subscription := Subscription{
		Collection: collection,
		DocumentId: documentId,
	}

	self.mutex.Lock()
	defer self.mutex.Unlock()

	state := self.state.Load()
	if !state.members[subscription] {
		// not present
		return false
	}
	i := slices.Index(state.subscriptions, subscription)
	nextMembers := maps.Clone(state.members)
	delete(nextMembers, subscription)
	nextSubscriptions := slices.Clone(state.subscriptions)
	nextSubscriptions = slices.Delete(nextSubscriptions, i, i+1)
	self.state.Store(&registryState{
		subscriptions: slices.Clip(nextSubscriptions),
		members:       nextMembers,
	})
	return true
}

func (self *SubscriptionRegistry) Contains(collection string, documentId string) bool {
	return self.state.Load().members[Subscription{
		Collection: collection,
		DocumentId: documentId,
	}]
}

func (self *SubscriptionRegistry) Len() int {
	return len(self.state.Load().subscriptions)
}

// insertion order. The returned list is shared and must not be modified.
// Later adds and removes never change it.
func (self *SubscriptionRegistry) Snapshot() []Subscription {
	return self.state.Load().subscriptions
}

// the members in a stable order, for comparing registries independent of insertion order
func (self *SubscriptionRegistry) Members() []Subscription {
	members := maps.Keys(self.state.Load().members)
	slices.SortFunc(members, func(a Subscription, b Subscription) int {
		return cmp.Or(
			cmp.Compare(a.Collection, b.Collection),
			cmp.Compare(a.DocumentId, b.DocumentId),
		)
	})
	return members
}
