// Package mqttbridge mirrors driver fields onto MQTT and accepts field
// writes from it.
//
// Topics (see infrastructure/mqtt.Topics):
//
//	graylogic/driverhost/state/{moniker}/{field}     retained StateMessage
//	graylogic/driverhost/driver/{moniker}/status     retained DriverStatusMessage
//	graylogic/driverhost/command/{moniker}/{field}   CommandMessage in
//	graylogic/driverhost/ack/{moniker}               AckMessage out
//	graylogic/driverhost/status                      retained HealthMessage
//
// State messages are fed from the polling engine. With polling.mirror_all
// set, poll.Mirror keeps every readable field of a connected driver
// subscribed; otherwise only fields a client watches are published. Each
// command is answered with exactly one ack.
package mqttbridge
