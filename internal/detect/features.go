// Package detect converts raw telemetry into feature vectors and scores
// them for threat likelihood.
package detect

import (
	"math"
	"net"
	"strings"

	"github.com/netsentry-project/netsentry/internal/core"
)

// referenceMTU normalizes packet sizes against a standard Ethernet MTU.
const referenceMTU = 1500.0

// featureNames is the declared, fixed feature layout. Order matters: a
// vector's Values() slice follows this order, and trained models depend on
// it.
var featureNames = []string{
	"packet_size",
	"src_port",
	"dst_port",
	"is_tcp",
	"is_udp",
	"is_icmp",
	"src_ip_numeric",
	"dst_ip_numeric",
	"is_well_known_port",
	"is_high_port",
	"packet_mtu_ratio",
	"port_difference",
	"cpu_percent",
	"memory_percent",
	"disk_percent",
	"bytes_sent",
	"bytes_recv",
	"packets_sent",
	"packets_recv",
	"active_connections",
	"bytes_send_recv_ratio",
	"packets_send_recv_ratio",
	"resource_utilization",
}

// FeatureCount is the fixed vector length.
var FeatureCount = len(featureNames)

var featureIndex = func() map[string]int {
	idx := make(map[string]int, len(featureNames))
	for i, name := range featureNames {
		idx[name] = i
	}
	return idx
}()

// FeatureNames returns the declared feature layout in order.
func FeatureNames() []string {
	out := make([]string, len(featureNames))
	copy(out, featureNames)
	return out
}

// FeatureVector is a fixed-length named vector. Unset features are zero.
type FeatureVector struct {
	values []float64
}

// NewFeatureVector returns an all-zero vector of the declared length.
func NewFeatureVector() FeatureVector {
	return FeatureVector{values: make([]float64, FeatureCount)}
}

// Set assigns a named feature. Unknown names are dropped silently: the
// vector length is part of the contract and cannot grow.
func (v FeatureVector) Set(name string, value float64) {
	if i, ok := featureIndex[name]; ok {
		v.values[i] = value
	}
}

// Get reads a named feature; unknown names read as zero.
func (v FeatureVector) Get(name string) float64 {
	if i, ok := featureIndex[name]; ok {
		return v.values[i]
	}
	return 0
}

// Values returns a copy of the vector in declared order.
func (v FeatureVector) Values() []float64 {
	out := make([]float64, len(v.values))
	copy(out, v.values)
	return out
}

// Map returns the vector as a name-keyed map.
func (v FeatureVector) Map() map[string]float64 {
	out := make(map[string]float64, len(v.values))
	for i, name := range featureNames {
		out[name] = v.values[i]
	}
	return out
}

// Extract builds the feature vector for one packet/snapshot pair. It never
// fails: a nil or malformed input contributes zeros for its features and
// extraction continues.
func Extract(pkt *core.RawPacket, snap *core.SystemSnapshot) FeatureVector {
	v := NewFeatureVector()

	if pkt != nil {
		v.Set("packet_size", float64(pkt.PacketSize))
		v.Set("src_port", float64(pkt.SrcPort))
		v.Set("dst_port", float64(pkt.DstPort))

		switch strings.ToLower(pkt.Protocol) {
		case "tcp", "6":
			v.Set("is_tcp", 1)
		case "udp", "17":
			v.Set("is_udp", 1)
		case "icmp", "1":
			v.Set("is_icmp", 1)
		}

		v.Set("src_ip_numeric", ipToNumeric(pkt.SrcIP))
		v.Set("dst_ip_numeric", ipToNumeric(pkt.DstIP))

		if pkt.DstPort >= 0 && pkt.DstPort <= 1023 {
			v.Set("is_well_known_port", 1)
		}
		if pkt.DstPort > 1024 {
			v.Set("is_high_port", 1)
		}

		v.Set("packet_mtu_ratio", float64(pkt.PacketSize)/referenceMTU)
		v.Set("port_difference", math.Abs(float64(pkt.SrcPort)-float64(pkt.DstPort)))
	}

	if snap != nil {
		v.Set("cpu_percent", snap.CPUPercent)
		v.Set("memory_percent", snap.MemoryPercent)
		v.Set("disk_percent", snap.DiskPercent)

		sent := float64(snap.NetworkIO.BytesSent)
		recv := float64(snap.NetworkIO.BytesRecv)
		psent := float64(snap.NetworkIO.PacketsSent)
		precv := float64(snap.NetworkIO.PacketsRecv)

		v.Set("bytes_sent", sent)
		v.Set("bytes_recv", recv)
		v.Set("packets_sent", psent)
		v.Set("packets_recv", precv)
		v.Set("active_connections", float64(snap.ActiveConnections))

		// +1 denominators keep the ratios defined for idle interfaces.
		v.Set("bytes_send_recv_ratio", sent/(recv+1))
		v.Set("packets_send_recv_ratio", psent/(precv+1))

		v.Set("resource_utilization", (snap.CPUPercent+snap.MemoryPercent+snap.DiskPercent)/3.0)
	}

	return v
}

// ipToNumeric encodes a dotted IPv4 address as its 32-bit integer value.
// Anything unparseable, including IPv6, encodes as zero.
func ipToNumeric(ip string) float64 {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return 0
	}
	v4 := parsed.To4()
	if v4 == nil {
		return 0
	}
	return float64(uint32(v4[0])<<24 | uint32(v4[1])<<16 | uint32(v4[2])<<8 | uint32(v4[3]))
}
