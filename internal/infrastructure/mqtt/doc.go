// Package mqtt connects homesync to a local MQTT broker.
//
// The broker is the local fan-out for the mirror: entity values and device
// presence of the active home are published as retained messages, and
// local automations can send commands back on the command topics. See
// Topics for the layout.
//
// The client wraps paho.mqtt.golang. It reconnects automatically,
// restores its subscriptions after every reconnect and announces itself
// on homesync/system/status with a Last Will for unexpected drops.
// Message handlers run with panic recovery, so a failing handler is
// logged and the client keeps going.
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	topic := mqtt.Topics{}.State("home-a", "D1", "relay_1")
//	err = client.PublishRetained(topic, []byte("ON"))
package mqtt
