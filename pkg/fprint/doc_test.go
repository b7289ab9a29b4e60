package fprint_test

import (
	"context"
	"fmt"
	"github.com/MatthiasKunnen/shackle/pkg/fprint"
	"github.com/MatthiasKunnen/shackle/pkg/sleep"
	"github.com/godbus/dbus/v5"
)

func Example() {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		fmt.Printf("Failed to connect to system bus: %v\n", err)
		return
	}
	defer conn.Close()

	manager, err := fprint.NewDbusManager(conn, nil)
	if err != nil {
		fmt.Printf("Failed to create fprintd client: %v\n", err)
		return
	}

	monitor, err := sleep.New(conn, sleep.Options{})
	if err != nil {
		fmt.Printf("Failed to create sleep monitor: %v\n", err)
		return
	}
	defer monitor.Close()

	engine := fprint.NewEngine(manager, monitor, fprint.Options{
		AwaitWakeup: false,
		DelaySleep:  monitor,
	})

	if engine.Run(context.Background()) {
		fmt.Println("Fingerprint matched")
	} else {
		fmt.Println("Fingerprint verification gave up, use the password")
	}
}
