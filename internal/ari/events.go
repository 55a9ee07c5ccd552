package ari

// Typed events from the ARI WebSocket stream. Only the four event types
// the bridge reacts to are modeled; everything else is logged and dropped.
// Delivery is at-least-once, so consumers must tolerate duplicates.

// CallerID carries the name/number pair Asterisk attaches to a channel.
type CallerID struct {
	Name   string `json:"name"`
	Number string `json:"number"`
}

// DialplanCEP is the channel's current dialplan location.
type DialplanCEP struct {
	Context  string `json:"context"`
	Exten    string `json:"exten"`
	Priority int64  `json:"priority"`
}

// Channel is the ARI channel resource, reduced to the fields the bridge
// reads.
type Channel struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	State     string      `json:"state"`
	Caller    CallerID    `json:"caller"`
	Connected CallerID    `json:"connected"`
	Dialplan  DialplanCEP `json:"dialplan"`
}

// Bridge is the ARI bridge resource.
type Bridge struct {
	ID         string   `json:"id"`
	Type       string   `json:"bridge_type"`
	Technology string   `json:"technology"`
	Channels   []string `json:"channels"`
}

// StasisStart fires when a channel enters the application, both for the
// caller's SIP leg and for the external-media leg we originate.
type StasisStart struct {
	Args    []string `json:"args"`
	Channel Channel  `json:"channel"`
}

// StasisEnd fires when a channel leaves the application.
type StasisEnd struct {
	Channel Channel `json:"channel"`
}

// ChannelDestroyed fires when a channel is torn down, with the Q.850
// hangup cause.
type ChannelDestroyed struct {
	Cause    int     `json:"cause"`
	CauseTxt string  `json:"cause_txt"`
	Channel  Channel `json:"channel"`
}

// BridgeDestroyed fires when a bridge is removed.
type BridgeDestroyed struct {
	Bridge Bridge `json:"bridge"`
}

// Handler receives decoded events from the stream. Callbacks run on the
// client's reader goroutine and should hand off long work.
type Handler interface {
	OnStasisStart(ev *StasisStart)
	OnStasisEnd(ev *StasisEnd)
	OnChannelDestroyed(ev *ChannelDestroyed)
	OnBridgeDestroyed(ev *BridgeDestroyed)
}
