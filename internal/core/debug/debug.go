package debug

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"strconv"

	"github.com/davecgh/go-spew/spew"
	"github.com/sirupsen/logrus"

	"github.com/dcrodman/cerver/internal/packets"
)

const displayWidth = 16

var headerDumper = spew.ConfigState{
	Indent:                  "  ",
	DisableMethods:          true,
	DisablePointerAddresses: true,
	DisableCapacities:       true,
}

// StartUtilities spins off the services associated with debug mode.
func StartUtilities(logger logrus.FieldLogger, pprofPort int) {
	startPprofServer(logger, pprofPort)
}

// This function starts the default pprof HTTP server that can be accessed via localhost
// to get runtime information about the cerver. See https://golang.org/pkg/net/http/pprof/
func startPprofServer(logger logrus.FieldLogger, port int) {
	listenerAddr := "localhost:" + strconv.Itoa(port)
	logger.Infof("starting pprof server on %s", listenerAddr)

	go func() {
		if err := http.ListenAndServe(listenerAddr, nil); err != nil {
			logger.Infof("error starting pprof server: %s", err)
		}
	}()
}

type PrintPacketParams struct {
	Writer *bufio.Writer
	// Name of the cerver and address of the client, used to label the output.
	CerverName   string
	ClientAddr   string
	ClientPacket bool
	// A complete frame: header followed by payload.
	Data []byte
}

// PrintPacket writes a human readable dump of a frame: the decoded header followed by
// the payload in two columns, one for bytes and the other for their ascii representation.
func PrintPacket(params PrintPacketParams) {
	w := params.Writer
	defer w.Flush()

	direction := "server -> " + params.ClientAddr
	if params.ClientPacket {
		direction = params.ClientAddr + " -> server"
	}

	header, err := packets.DecodeHeader(params.Data)
	if err != nil {
		_, _ = fmt.Fprintf(w, "[%s] %s: undecodable frame (%d bytes): %v\n",
			params.CerverName, direction, len(params.Data), err)
		printPayload(w, params.Data)
		return
	}

	_, _ = fmt.Fprintf(w, "[%s] %s: %s packet (%d bytes)\n",
		params.CerverName, direction, header.PacketType, len(params.Data))
	headerDumper.Fdump(w, header)
	printPayload(w, params.Data[packets.HeaderSize:])
	_, _ = fmt.Fprintln(w)
}

func printPayload(w io.Writer, data []byte) {
	for offset := 0; offset < len(data); offset += displayWidth {
		end := offset + displayWidth
		if end > len(data) {
			end = len(data)
		}
		printPacketLine(w, data[offset:end], offset)
	}
}

// printPacketLine writes one line of data to w.
func printPacketLine(w io.Writer, data []byte, offset int) {
	_, _ = fmt.Fprintf(w, "(%04X) ", offset)
	for i, b := range data {
		if i == 8 {
			// Visual aid - spacing between groups of 8 bytes.
			_, _ = fmt.Fprint(w, "  ")
		}
		_, _ = fmt.Fprintf(w, "%02x ", b)
	}
	// Fill in the gap if we don't have enough bytes to fill the line.
	for i := len(data); i < displayWidth; i++ {
		if i == 8 {
			_, _ = fmt.Fprint(w, "  ")
		}
		_, _ = fmt.Fprint(w, "   ")
	}
	_, _ = fmt.Fprint(w, "    ")
	// Display the print characters as-is, others as periods.
	for _, b := range data {
		if strconv.IsPrint(rune(b)) && b < 0x7F {
			_, _ = fmt.Fprintf(w, "%c", b)
		} else {
			_, _ = fmt.Fprint(w, ".")
		}
	}
	_, _ = fmt.Fprintln(w)
}
