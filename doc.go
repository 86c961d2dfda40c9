// Package serial is serial device middleware for Linux. It sits on top of an
// opened tty and offers two ways of talking to a device:
//
//   - KeepReceivePort keeps the device polled, runs each chunk through an
//     optional Decoder and fans the resulting messages out to any number of
//     subscribers. Writes never wait.
//   - WaitResponsePort writes a request, collects every byte that arrives
//     within a fixed window and returns it as one Response. Concurrent callers
//     queue up so replies are never attributed to the wrong request.
//
// Both are created through a Registry, which keeps at most one open port per
// device path.
//
// Drivers that misreport their input queue can be marked with
// Registry.MarkUnreliable or Config.NoAvailable; such ports are read with
// blind bounded reads instead of probing first.
//
// This package does **not** support Windows.
//
// Example usage:
//
//	reg := serial.NewRegistry()
//	port, err := serial.OpenKeepReceive[string](reg, serial.DefaultConfig("/dev/ttyUSB0"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer port.Close()
//
//	port.SetDecoder(serial.NewPatternDecoder("AT", "\r\n"))
//	port.AddSubscriberFunc(func(msg string) {
//	    fmt.Println("Received:", msg)
//	})
//	port.Write([]byte("AT+INFO\r\n"))
//
//	cmd, err := serial.OpenWaitResponse(reg, serial.DefaultConfig("/dev/ttyS4"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	resp, err := cmd.WriteWaitRsp(ctx, []byte{0x01, 0x03}, serial.WithTimeout(100*time.Millisecond))
//	fmt.Printf("% X\n", resp.Bytes())
package serial
