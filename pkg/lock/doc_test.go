package lock_test

import (
	"github.com/MatthiasKunnen/shackle/pkg/lock"
	"github.com/godbus/dbus/v5"
	"log"
	"os"
	"time"
)

func ExampleSession() {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		log.Fatalf("Failed to connect to system bus: %v", err)
	}
	defer conn.Close()

	session, err := lock.NewDbusSession(conn, os.Getenv("XDG_SESSION_ID"), lock.Options{})
	if err != nil {
		log.Fatalf("Failed to initialize session: %v", err)
	}
	defer session.Close()

	unlockSignal := make(chan struct{}, 1)
	lockedSignal := make(chan bool, 1)

	if err := session.AddUnlockSignal(unlockSignal); err != nil {
		log.Fatalf("Failed to add unlock signal: %v", err)
	}
	if err := session.AddLockedSignal(lockedSignal); err != nil {
		log.Fatalf("Failed to add locked signal: %v", err)
	}

	if err := session.SetLocked(true); err != nil {
		log.Printf("Failed to set locked to true: %v", err)
	}

	stop := time.After(10 * time.Second)
	for {
		select {
		case <-unlockSignal:
			log.Println("Unlock signal received, unlock the session")
			if err := session.SetLocked(false); err != nil {
				log.Printf("Failed to set locked to false: %v", err)
			}
		case locked := <-lockedSignal:
			log.Printf("LockedHint is now %t", locked)
		case <-stop:
			return
		}
	}
}
