// Package vpn orchestrates VPN connections across protocol providers.
//
// # Architecture
//
// The package is organized around a few main types:
//
//   - Provider: connects one family of protocols. OpenVPNProvider drives the
//     openvpn binary through a supervised process and its management
//     endpoint; NativeProvider delegates to an OS dialer such as
//     NetworkManager.
//   - Controller: routes a Request to the provider that supports its type
//     and owns the Disconnected, Connecting, Connected, Disconnecting state
//     machine.
//   - AutoDialer: tries connection types one after another until one
//     connects.
//   - ProfileManager: persists connection profiles.
//   - HealthChecker: probes an established tunnel and reconnects it.
//
// # Connection Flow
//
//  1. The caller registers providers with a Controller.
//  2. Controller.Connect picks the first provider advertising the type,
//     hanging up any current connection with errors suppressed.
//  3. The provider publishes Connecting, then Connected or ConnectError
//     and Disconnected; the controller re-publishes accepted transitions.
//  4. While connected, the controller publishes DurationUpdated once per
//     interval and forwards bandwidth samples.
//
// # Thread Safety
//
// All exported types are safe for concurrent use. Listeners run on the
// goroutine that emits the notification and must not block.
package vpn
