// Command pbus-dp-sim wires the PROFIBUS DP slave core to a real RS-485
// transceiver on a Linux host, with a trivial loopback Application that
// echoes the first INPUT_SIZE bytes of the last output back as input. It exists to
// exercise the core against real line timing; it is not part of the
// core itself.
package main

import (
	"flag"
	"log"
	"time"

	"github.com/joao404/profibus-dp-slave/dpslave"
	"github.com/joao404/profibus-dp-slave/hwbus"
	"github.com/joao404/profibus-dp-slave/linuxhw"
	"github.com/joao404/profibus-dp-slave/pbuslog"
)

type echoApplication struct {
	last []byte
}

func (a *echoApplication) UpdateOutputs(output []byte) {
	a.last = append(a.last[:0], output...)
}

func (a *echoApplication) UpdateInputs(input []byte) {
	copy(input, a.last)
}

func main() {
	device := flag.String("device", "/dev/ttyUSB0", "RS-485 serial device")
	baud := flag.Uint("baud", 500000, "line baud rate")
	station := flag.Uint("station", 11, "station address")
	dePin := flag.String("de-pin", "", "periph.io GPIO name for DE (empty: use kernel RS485 ioctl)")
	rePin := flag.String("re-pin", "", "periph.io GPIO name for RE")
	flag.Parse()

	hw, err := linuxhw.New(linuxhw.Config{
		Device:         *device,
		BaudRate:       uint32(*baud),
		UseKernelRS485: *dePin == "" && *rePin == "",
		DEPin:          *dePin,
		REPin:          *rePin,
	})
	if err != nil {
		log.Fatalf("pbus-dp-sim: %v", err)
	}
	defer hw.Close()

	app := &echoApplication{}
	logger := pbuslog.New("pbus-dp-sim: ")
	logger.LogMode(true)

	dp, err := dpslave.New(dpslave.Config{
		StationAddress:  byte(*station),
		BaudRate:        uint32(*baud),
		IdentHigh:       0x00,
		IdentLow:        0x2B,
		ModuleConfig:    []byte{0x22, 0x20, 0x20, 0x10, 0x10},
		InputSize:       2,
		OutputSize:      5,
		ReceiveHandling: hwbus.Interrupt,
		HwBus:           hw,
		Application:     app,
		Log:             logger,
	})
	if err != nil {
		log.Fatalf("pbus-dp-sim: %v", err)
	}

	hw.BindCallbacks(dp.OnRxByte, dp.OnTxDone, dp.OnTimerExpiry, dp.ProcessDeferred)
	dp.Start()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		dp.WatchdogTick()
	}
}
