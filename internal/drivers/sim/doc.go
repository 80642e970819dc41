// Package sim provides a simulated thermostat driver.
//
// The device needs no transport. Temperature drifts toward the setpoint
// while the unit is powered, and the fail backdoor forces a lost
// connection so the host's recovery path can be exercised end to end.
package sim
