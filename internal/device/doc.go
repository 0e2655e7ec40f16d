// Package device defines the BLE central capability the probe session consumes
// and the error taxonomy shared by every transport implementation.
//
// The Transport interface covers scanning, connecting, GATT discovery,
// characteristic read/write/monitor and disconnecting. Implementations live in
// sub-packages (go-ble) and in internal/testutils (an in-memory fake).
package device
