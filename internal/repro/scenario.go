package repro

import "time"

// Default scenario values
const (
	DefaultTargetURL     = "http://localhost:5173/"
	DefaultIdentifier    = "sadaf@gmail.com"
	DefaultSecret        = "786400"
	DefaultContact       = "Shojib"
	DefaultFeedButton    = "What's on your mind"
	DefaultLogPath       = "verification/error.log"
	DefaultCallButtonIdx = 2
)

// Timeouts bounds every step of the scenario
type Timeouts struct {
	Navigate    time.Duration
	NetworkIdle time.Duration
	LoginInput  time.Duration
	Feed        time.Duration
	Contact     time.Duration
	CallButton  time.Duration
	Action      time.Duration // fill, press and click
	LoginPause  time.Duration // between the identifier and secret submits
	Settle      time.Duration // after the final click
}

// DefaultTimeouts returns the step bounds used by the repro script
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Navigate:    30 * time.Second,
		NetworkIdle: 30 * time.Second,
		LoginInput:  20 * time.Second,
		Feed:        20 * time.Second,
		Contact:     10 * time.Second,
		CallButton:  10 * time.Second,
		Action:      30 * time.Second,
		LoginPause:  time.Second,
		Settle:      5 * time.Second,
	}
}

// Scenario is the fixed interaction script
type Scenario struct {
	TargetURL  string
	Identifier string
	Secret     string
	Contact    string
	FeedButton string
	LogPath    string
	Timeouts   Timeouts
}

// DefaultScenario returns the scenario with its literal values
func DefaultScenario() Scenario {
	return Scenario{
		TargetURL:  DefaultTargetURL,
		Identifier: DefaultIdentifier,
		Secret:     DefaultSecret,
		Contact:    DefaultContact,
		FeedButton: DefaultFeedButton,
		LogPath:    DefaultLogPath,
		Timeouts:   DefaultTimeouts(),
	}
}
