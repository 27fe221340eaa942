package mqtt

import "fmt"

// TopicPrefix is the root of every topic the bridge publishes to.
const TopicPrefix = "broute"

// Topics provides builders for the bridge's MQTT topic namespace.
//
// Namespace:
//
//	broute/system/status         client online/offline (retained, LWT)
//	broute/state/meter/{id}      latest power reading (retained)
//	broute/health/meter          bridge health (retained, LWT)
//
// The state and health topics are built by the broute package.
type Topics struct{}

// SystemStatus returns the topic for client online/offline status.
func (Topics) SystemStatus() string {
	return TopicPrefix + "/system/status"
}

// ValidatePublishTopic checks that topic is non-empty and free of wildcards.
func ValidatePublishTopic(topic string) error {
	if topic == "" {
		return fmt.Errorf("%w: empty", ErrInvalidTopic)
	}
	for _, r := range topic {
		switch r {
		case '+', '#':
			return fmt.Errorf("%w: %q contains wildcard", ErrInvalidTopic, topic)
		case 0:
			return fmt.Errorf("%w: %q contains NUL", ErrInvalidTopic, topic)
		}
	}
	return nil
}
