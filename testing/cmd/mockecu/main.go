// Command mockecu bridges testing/simulator's mock MSD80/81 ECU onto a
// real frame.Bus backend (SocketCAN vcan0 by default), so n54flash's
// CLI or server can be pointed at a fake ECU for local development
// without hardware, mirroring testing/cmd/simulator_tcp's role in the
// teacher repo.
package main

import (
	"flag"
	"log"
	"time"

	"n54flash/internal/bus"
	"n54flash/internal/image"
	"n54flash/testing/simulator"
)

func main() {
	var (
		iface string
		seed  int
	)
	flag.StringVar(&iface, "iface", "vcan0", "SocketCAN interface to listen on")
	flag.IntVar(&seed, "seed", 0x1234, "Security access seed to hand out")
	flag.Parse()

	realBus, err := bus.New(bus.Config{Type: "socketcan", Address: iface})
	if err != nil {
		log.Fatalf("mockecu: open %s: %v", iface, err)
	}
	defer realBus.Shutdown()

	flash := make([]byte, image.FlashSize)
	for i := range flash[:32] {
		flash[i] = byte(i)
	}
	ecu := simulator.NewECU(flash, uint16(seed))

	log.Printf("mockecu: listening on %s, seed=0x%04X", iface, seed)
	for {
		f, err := realBus.Recv(time.Second)
		if err != nil {
			log.Printf("mockecu: recv: %v", err)
			return
		}
		if f == nil {
			continue
		}
		if err := ecu.Send(*f); err != nil {
			log.Printf("mockecu: dispatch: %v", err)
			continue
		}
		for {
			out, err := ecu.Recv(10 * time.Millisecond)
			if err != nil || out == nil {
				break
			}
			reply := *out
			reply.ID = 0x6F9
			if err := realBus.Send(reply); err != nil {
				log.Printf("mockecu: send: %v", err)
			}
		}
	}
}
