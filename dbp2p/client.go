package dbp2p

import (
	"context"
	"errors"
	"slices"

	"github.com/golang/glog"
)

type ClientSettings struct {
	ApiSettings          *ApiSettings
	EventChannelSettings *EventChannelSettings
}

func DefaultClientSettings() *ClientSettings {
	return &ClientSettings{
		ApiSettings:          DefaultApiSettings(),
		EventChannelSettings: DefaultEventChannelSettings(),
	}
}

// one session, one event channel.
// The request executor and the event channel share the credential store.
// CRUD calls do not need the event channel.
type Client struct {
	ctx    context.Context
	cancel context.CancelFunc

	credentials *CredentialStore
	registry    *SubscriptionRegistry
	dispatcher  *EventDispatcher

	api     *DbApi
	channel *EventChannel
}

func NewClientWithDefaults(ctx context.Context, apiUrl string, wsUrl string, observer EventObserver) *Client {
	return NewClient(ctx, apiUrl, wsUrl, observer, DefaultClientSettings())
}

func NewClient(
	ctx context.Context,
	apiUrl string,
	wsUrl string,
	observer EventObserver,
	settings *ClientSettings,
) *Client {
	cancelCtx, cancel := context.WithCancel(ctx)

	credentials := NewCredentialStore()
	registry := NewSubscriptionRegistry()
	dispatcher := NewEventDispatcher(observer)

	return &Client{
		ctx:         cancelCtx,
		cancel:      cancel,
		credentials: credentials,
		registry:    registry,
		dispatcher:  dispatcher,
		api:         NewDbApiWithContext(cancelCtx, apiUrl, credentials, settings.ApiSettings),
		channel:     NewEventChannel(cancelCtx, wsUrl, credentials, registry, dispatcher, settings.EventChannelSettings),
	}
}

func NewClientFromConfig(ctx context.Context, config *Config, observer EventObserver) *Client {
	return NewClient(ctx, config.Api.Url, config.WebSocket.Url, observer, config.ClientSettings())
}

func (self *Client) Api() *DbApi {
	return self.api
}

func (self *Client) Channel() *EventChannel {
	return self.channel
}

func (self *Client) Credentials() *CredentialStore {
	return self.credentials
}

func (self *Client) Registry() *SubscriptionRegistry {
	return self.registry
}

// a copy of the current session, or nil before login
func (self *Client) Session() *Session {
	return self.credentials.Session()
}

// a one time blocking setup step. Do not call concurrently with other calls.
// A failed login leaves the previous session in place.
func (self *Client) Login(username string, password string) (*Session, error) {
	_, err := self.api.LoginSync(&LoginArgs{
		Username: username,
		Password: password,
	})
	if err != nil {
		glog.Infof("[s]login %s error = %s\n", username, err)
		return nil, err
	}
	return self.credentials.Session(), nil
}

func (self *Client) Connect(ctx context.Context) error {
	return self.channel.Connect(ctx)
}

// records the subscription and, if the channel is open, sends a subscribe frame.
// The frame is sent even when the subscription already exists.
// When the channel is not open the subscription is sent by the replay on the next open.
func (self *Client) Subscribe(collection string, documentId string) error {
	self.registry.Add(collection, documentId)
	subscription := Subscription{
		Collection: collection,
		DocumentId: documentId,
	}
	return self.sendIfOpen(subscription.SubscribeFrame())
}

func (self *Client) Unsubscribe(collection string, documentId string) error {
	self.registry.Remove(collection, documentId)
	subscription := Subscription{
		Collection: collection,
		DocumentId: documentId,
	}
	return self.sendIfOpen(subscription.UnsubscribeFrame())
}

// a copy of the registry, in insertion order
func (self *Client) Subscriptions() []Subscription {
	return slices.Clone(self.registry.Snapshot())
}

func (self *Client) sendIfOpen(frame *SubscriptionFrame) error {
	if !self.channel.IsOpen() {
		return nil
	}
	err := self.channel.Send(frame)
	if errors.Is(err, ErrNotConnected) {
		// closed since the check. The registry is replayed on the next open.
		return nil
	}
	return err
}

// closes the event channel and cancels in-flight calls.
// Blocks until the receive goroutine exits, so it must not be called from an observer.
func (self *Client) Close() {
	self.channel.Shutdown()
	self.api.Close()
	self.cancel()
}
