// Package password checks the current user's password through PAM.
//
// Check blocks while the PAM modules run, which can include deliberate delays after a failed
// attempt. Run it on its own goroutine, never on a loop that has to stay responsive.
package password
