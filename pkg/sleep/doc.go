// Package sleep follows the system's suspend/resume cycle through [org.freedesktop.login1].
//
// logind emits PrepareForSleep(true) right before the system suspends and PrepareForSleep(false)
// after it resumes. A Monitor fans these out to subscribers, offers a blocking AwaitResume and can
// take inhibitor locks to delay the suspend until the subscriber is done.
//
// [org.freedesktop.login1]: https://www.freedesktop.org/software/systemd/man/latest/org.freedesktop.login1.html
package sleep
