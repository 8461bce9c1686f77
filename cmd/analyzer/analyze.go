package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/pterm/pterm"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/dcrodman/cerver/internal/packets"
)

type direction int

const (
	toCerver direction = iota
	toClient
)

type typeCount struct {
	Packets int
	Bytes   uint64
}

// Report is the summary of one capture.
type Report struct {
	Flows int
	// Frames decoded per direction and packet type.
	Counts [2]map[packets.PacketType]*typeCount
	// Frames declaring a payload above the size limit. The rest of their flow is skipped.
	BadFrames int
	// Bytes left over at the end of a flow that did not form a complete frame.
	TrailingBytes int
}

// flow is the reassembly state of one direction of a TCP connection. Segments are
// assumed to be captured in order.
type flow struct {
	dir     direction
	buf     bytes.Buffer
	skipped bool
}

// analyze decodes every cerver frame sent to or from port in the pcap capture read from r.
func analyze(r io.Reader, port uint16, maxPacketSize uint64) (*Report, error) {
	reader, err := pcapgo.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("unable to read capture: %w", err)
	}

	report := &Report{}
	for i := range report.Counts {
		report.Counts[i] = make(map[packets.PacketType]*typeCount)
	}
	limits := packets.Limits{MaxPacketSize: maxPacketSize}
	flows := make(map[string]*flow)

	packetSource := gopacket.NewPacketSource(reader, reader.LinkType())
	for packet := range packetSource.Packets() {
		tcpLayer := packet.Layer(layers.LayerTypeTCP)
		if tcpLayer == nil || packet.NetworkLayer() == nil {
			continue
		}
		tcp := tcpLayer.(*layers.TCP)

		var dir direction
		switch port {
		case uint16(tcp.DstPort):
			dir = toCerver
		case uint16(tcp.SrcPort):
			dir = toClient
		default:
			continue
		}
		if len(tcp.Payload) == 0 {
			continue
		}

		key := packet.NetworkLayer().NetworkFlow().String() + " " + tcp.TransportFlow().String()
		f, ok := flows[key]
		if !ok {
			f = &flow{dir: dir}
			flows[key] = f
			report.Flows++
		}
		if f.skipped {
			continue
		}
		f.buf.Write(tcp.Payload)
		report.consume(f, limits)
	}

	for _, f := range flows {
		if !f.skipped {
			report.TrailingBytes += f.buf.Len()
		}
	}
	return report, nil
}

// consume decodes every complete frame buffered for f.
func (r *Report) consume(f *flow, limits packets.Limits) {
	for f.buf.Len() >= packets.HeaderSize {
		header, err := packets.DecodeHeader(f.buf.Bytes())
		if err != nil {
			return
		}
		if limits.Allows(header.PacketSize) && uint64(f.buf.Len()-packets.HeaderSize) < header.PacketSize {
			// Wait for the rest of the frame.
			return
		}

		header, frame, err := packets.ReadFrame(&f.buf, limits, nil)
		if errors.Is(err, packets.ErrPacketTooLarge) {
			r.BadFrames++
			f.skipped = true
			f.buf.Reset()
			return
		} else if err != nil {
			return
		}

		count, ok := r.Counts[f.dir][header.PacketType]
		if !ok {
			count = &typeCount{}
			r.Counts[f.dir][header.PacketType] = count
		}
		count.Packets++
		count.Bytes += uint64(len(frame))
	}
}

// Render writes the report as a table.
func (r *Report) Render(w io.Writer) error {
	title := cases.Title(language.English)

	types := make(map[packets.PacketType]bool)
	for _, counts := range r.Counts {
		for t := range counts {
			types[t] = true
		}
	}
	sorted := make([]packets.PacketType, 0, len(types))
	for t := range types {
		sorted = append(sorted, t)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	data := pterm.TableData{{"Type", "To Cerver", "Bytes", "To Client", "Bytes"}}
	for _, t := range sorted {
		row := []string{title.String(t.String())}
		for _, counts := range r.Counts {
			var packetCount int
			var byteCount uint64
			if c, ok := counts[t]; ok {
				packetCount, byteCount = c.Packets, c.Bytes
			}
			row = append(row, strconv.Itoa(packetCount), strconv.FormatUint(byteCount, 10))
		}
		data = append(data, row)
	}

	table, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s\n%d flows, %d bad frames, %d trailing bytes\n",
		table, r.Flows, r.BadFrames, r.TrailingBytes)
	return err
}
