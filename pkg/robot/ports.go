package robot

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/hipsterbrown/feetech-servo/feetech"
	"github.com/pkg/errors"
	"go.bug.st/serial/enumerator"
)

// ScanBaudRates are tried in order when scanning a port for motors.
var ScanBaudRates = []int{1_000_000, 500_000, 250_000, 128_000, 115_200, 57_600}

// PortInfo describes a serial port.
type PortInfo struct {
	Port        string `json:"port"`
	Description string `json:"description"`
	HWID        string `json:"hwid"`
}

// ScanResult lists the motors that answered on a port at one baud rate.
type ScanResult struct {
	Port     string `json:"port"`
	BaudRate int    `json:"baudrate"`
	MotorIDs []int  `json:"motor_ids"`
}

// ListPorts enumerates serial ports with their USB details.
func ListPorts() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, errors.Wrap(err, "list serial ports")
	}
	ports := make([]PortInfo, 0, len(details))
	for _, d := range details {
		ports = append(ports, portInfo(d))
	}
	sort.Slice(ports, func(i, j int) bool { return ports[i].Port < ports[j].Port })
	return ports, nil
}

func portInfo(d *enumerator.PortDetails) PortInfo {
	info := PortInfo{Port: d.Name, Description: d.Product, HWID: "n/a"}
	if !d.IsUSB {
		return info
	}
	hwid := fmt.Sprintf("USB VID:PID=%s:%s", strings.ToUpper(d.VID), strings.ToUpper(d.PID))
	if d.SerialNumber != "" {
		hwid += " SER=" + d.SerialNumber
	}
	info.HWID = hwid
	if info.Description == "" {
		info.Description = "USB serial device"
	}
	return info
}

// ScanPort broadcasts a ping on port at each of ScanBaudRates and reports
// the motor ids that answered. Baud rates with no answer are left out.
func ScanPort(ctx context.Context, port string) ([]ScanResult, error) {
	var results []ScanResult
	for _, baud := range ScanBaudRates {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		bus, err := feetech.NewBus(feetech.BusConfig{
			Port:     port,
			BaudRate: baud,
			Protocol: feetech.ProtocolSTS,
			Timeout:  BusTimeout,
		})
		if err != nil {
			return nil, errors.Wrapf(err, "open %s", port)
		}
		servos, err := bus.Discover(ctx)
		bus.Close()
		if err != nil {
			return results, errors.Wrapf(err, "scan %s at %d baud", port, baud)
		}
		if ids := motorIDs(servos); len(ids) > 0 {
			results = append(results, ScanResult{Port: port, BaudRate: baud, MotorIDs: ids})
		}
	}
	return results, nil
}

func motorIDs(servos []feetech.FoundServo) []int {
	ids := make([]int, 0, len(servos))
	for _, s := range servos {
		ids = append(ids, s.ID)
	}
	sort.Ints(ids)
	return ids
}
