// Package idle reports when the seat goes idle and becomes active again, using the Wayland
// [ext-idle-notify-v1] protocol.
//
// [ext-idle-notify-v1]: https://wayland.app/protocols/ext-idle-notify-v1
package idle
