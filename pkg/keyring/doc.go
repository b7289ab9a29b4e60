// Package keyring locks collections of a [org.freedesktop.Secret] service such as GNOME
// Keyring, KDE Wallet or KeePassXC. Locking the keyring alongside the session makes stored
// secrets unavailable until the user unlocks the keyring again.
//
// [org.freedesktop.Secret]: https://specifications.freedesktop.org/secret-service-spec/latest/
package keyring
