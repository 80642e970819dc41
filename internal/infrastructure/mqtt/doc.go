// Package mqtt provides MQTT client connectivity for the driver host.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support, restored on reconnect
//   - Last Will and Testament (LWT) for offline detection
//
// # Topics
//
// Everything lives under graylogic/driverhost:
//
//	state/{moniker}/{field}     retained field values
//	driver/{moniker}/status     retained driver connection state
//	command/{moniker}/{field}   field writes from remote callers
//	ack/{moniker}               write acknowledgements
//	status                      host online/offline (LWT)
//
// # Security Considerations
//
//   - TLS should be enabled for production deployments (cfg.Broker.TLS=true)
//   - Credentials are validated against the broker ACL
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.AllFieldCommands(), 1,
//	    func(topic string, payload []byte) error {
//	        moniker, field, _ := mqtt.ParseFieldCommand(topic)
//	        ...
//	    })
package mqtt
