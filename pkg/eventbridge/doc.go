// Package eventbridge forwards engine events to an MQTT broker.
//
// A Bridge subscribes to the registration, presence and observation buses
// and publishes one JSON document per event to
//
//	<prefix>/<endpoint>/<event>
//
// where event is one of registered, updated, deregistered, awake, sleeping,
// observe-added, observe-cancelled, notify and notify-error. Publishing goes
// through the Publisher interface; MQTTPublisher implements it on top of
// paho.
package eventbridge
