// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package igmp implements the IGMPv1/v2/v3 wire codec (spec.md §4.4, RFC
// 3376), as a gopacket.DecodingLayer/SerializableLayer so it composes with
// layers.Ethernet/layers.IPv4 on both the parse and build paths.
package igmp

import (
	"encoding/binary"
	"errors"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	"mcroute.dev/mcroute/internal/netaddr"
)

// MessageType is IGMP's wire-format type byte.
type MessageType uint8

const (
	TypeMembershipQuery MessageType = 0x11
	TypeReportV1        MessageType = 0x12
	TypeReportV2        MessageType = 0x16
	TypeLeaveGroup      MessageType = 0x17
	TypeReportV3        MessageType = 0x22
)

func (t MessageType) String() string {
	switch t {
	case TypeMembershipQuery:
		return "MembershipQuery"
	case TypeReportV1:
		return "V1MembershipReport"
	case TypeReportV2:
		return "V2MembershipReport"
	case TypeLeaveGroup:
		return "LeaveGroup"
	case TypeReportV3:
		return "V3MembershipReport"
	default:
		return "Unknown"
	}
}

// GroupRecordType is a V3 membership report's per-group record type.
type GroupRecordType uint8

const (
	ModeIsInclude        GroupRecordType = 0x01
	ModeIsExclude        GroupRecordType = 0x02
	ChangeToInclude      GroupRecordType = 0x03
	ChangeToExclude      GroupRecordType = 0x04
	AllowNewSources      GroupRecordType = 0x05
	BlockOldSources      GroupRecordType = 0x06
)

// GroupRecord is one V3 membership report group record.
type GroupRecord struct {
	Type             GroupRecordType
	AuxDataLen       uint8
	MulticastAddress netaddr.IpV4
	SourceAddresses  []netaddr.IpV4
}

// LayerTypeIGMP registers this package's codec with gopacket. The number is
// an arbitrary value outside gopacket's reserved built-in range.
var LayerTypeIGMP = gopacket.RegisterLayerType(
	7376,
	gopacket.LayerTypeMetadata{Name: "IGMP", Decoder: gopacket.DecodeFunc(decodeIGMP)},
)

// Layer is a parsed or to-be-serialized IGMP message of any version. Fields
// not relevant to Type/Version are left at the zero value.
type Layer struct {
	layers.BaseLayer

	Type     MessageType
	Version  uint8 // 1, 2 or 3; meaningful for Query and disambiguating v1/v2 reports
	Checksum uint16

	// v1/v2 query and report, and v3 group/source-specific query's leading fields.
	MaxResponseTime time.Duration
	GroupAddress    netaddr.IpV4

	// v3 query only.
	SuppressRouterProcessing bool
	RobustnessValue          uint8
	QueryInterval            time.Duration
	SourceAddresses          []netaddr.IpV4

	// v3 report only.
	GroupRecords []GroupRecord
}

// LayerType implements gopacket.Layer.
func (i *Layer) LayerType() gopacket.LayerType { return LayerTypeIGMP }

// CanDecode implements gopacket.DecodingLayer.
func (i *Layer) CanDecode() gopacket.LayerClass { return LayerTypeIGMP }

// NextLayerType implements gopacket.DecodingLayer: IGMP never carries a
// further payload layer.
func (i *Layer) NextLayerType() gopacket.LayerType { return gopacket.LayerTypeZero }

// DecodeFromBytes implements gopacket.DecodingLayer.
func (i *Layer) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	if len(data) < 8 {
		return errors.New("igmp: packet too small")
	}
	i.Type = MessageType(data[0])
	i.Checksum = binary.BigEndian.Uint16(data[2:4])
	i.BaseLayer = layers.BaseLayer{Contents: data[:len(data)], Payload: nil}

	switch i.Type {
	case TypeReportV1, TypeReportV2, TypeLeaveGroup:
		return i.decodeV1V2(data)
	case TypeReportV3:
		return i.decodeV3Report(data)
	case TypeMembershipQuery:
		if len(data) >= 12 {
			return i.decodeV3Query(data)
		}
		return i.decodeV1V2Query(data)
	default:
		return errors.New("igmp: unsupported message type")
	}
}

func (i *Layer) decodeV1V2(data []byte) error {
	i.MaxResponseTime = 0
	i.GroupAddress = ipFromBytes(data[4:8])
	if i.Type == TypeReportV1 {
		i.Version = 1
	} else {
		i.Version = 2
	}
	return nil
}

func (i *Layer) decodeV1V2Query(data []byte) error {
	i.MaxResponseTime = DecodeTime(data[1])
	i.GroupAddress = ipFromBytes(data[4:8])
	if data[1] == 0 {
		i.Version = 1
	} else {
		i.Version = 2
	}
	return nil
}

func (i *Layer) decodeV3Query(data []byte) error {
	i.Version = 3
	i.MaxResponseTime = DecodeTime(data[1])
	i.GroupAddress = ipFromBytes(data[4:8])
	i.SuppressRouterProcessing = data[8]&0x08 != 0
	i.RobustnessValue = data[8] & 0x07
	i.QueryInterval = DecodeTime(data[9])

	n := int(binary.BigEndian.Uint16(data[10:12]))
	if len(data) < 12+n*4 {
		return errors.New("igmp: v3 query source list truncated")
	}
	i.SourceAddresses = i.SourceAddresses[:0]
	for j := 0; j < n; j++ {
		i.SourceAddresses = append(i.SourceAddresses, ipFromBytes(data[12+j*4:16+j*4]))
	}
	return nil
}

func (i *Layer) decodeV3Report(data []byte) error {
	i.Version = 3
	nRecords := int(binary.BigEndian.Uint16(data[6:8]))
	offset := 8
	i.GroupRecords = i.GroupRecords[:0]
	for r := 0; r < nRecords; r++ {
		if len(data) < offset+8 {
			return errors.New("igmp: v3 report group record header truncated")
		}
		rec := GroupRecord{
			Type:             GroupRecordType(data[offset]),
			AuxDataLen:       data[offset+1],
			MulticastAddress: ipFromBytes(data[offset+4 : offset+8]),
		}
		nSrc := int(binary.BigEndian.Uint16(data[offset+2 : offset+4]))
		srcEnd := offset + 8 + nSrc*4
		auxEnd := srcEnd + int(rec.AuxDataLen)*4
		if len(data) < auxEnd {
			return errors.New("igmp: v3 report group record sources truncated")
		}
		for s := 0; s < nSrc; s++ {
			rec.SourceAddresses = append(rec.SourceAddresses, ipFromBytes(data[offset+8+s*4:offset+12+s*4]))
		}
		i.GroupRecords = append(i.GroupRecords, rec)
		offset = auxEnd
	}
	return nil
}

// SerializeTo implements gopacket.SerializableLayer.
func (i *Layer) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	switch i.Type {
	case TypeReportV1, TypeReportV2, TypeLeaveGroup:
		return i.serializeV1V2(b, opts)
	case TypeMembershipQuery:
		if i.Version == 3 {
			return i.serializeV3Query(b, opts)
		}
		return i.serializeV1V2Query(b, opts)
	case TypeReportV3:
		return i.serializeV3Report(b, opts)
	default:
		return errors.New("igmp: cannot serialize unknown message type")
	}
}

func (i *Layer) serializeV1V2(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	bytes, err := b.PrependBytes(8)
	if err != nil {
		return err
	}
	bytes[0] = byte(i.Type)
	bytes[1] = 0
	binary.BigEndian.PutUint16(bytes[2:4], 0)
	ip := i.GroupAddress.Bytes()
	copy(bytes[4:8], ip[:])
	if opts.ComputeChecksums {
		binary.BigEndian.PutUint16(bytes[2:4], checksum(bytes))
	}
	return nil
}

func (i *Layer) serializeV1V2Query(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	bytes, err := b.PrependBytes(8)
	if err != nil {
		return err
	}
	bytes[0] = byte(TypeMembershipQuery)
	bytes[1] = EncodeTime(i.MaxResponseTime)
	if i.Version == 1 {
		bytes[1] = 0
	}
	binary.BigEndian.PutUint16(bytes[2:4], 0)
	ip := i.GroupAddress.Bytes()
	copy(bytes[4:8], ip[:])
	if opts.ComputeChecksums {
		binary.BigEndian.PutUint16(bytes[2:4], checksum(bytes))
	}
	return nil
}

func (i *Layer) serializeV3Query(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	n := len(i.SourceAddresses)
	bytes, err := b.PrependBytes(12 + n*4)
	if err != nil {
		return err
	}
	bytes[0] = byte(TypeMembershipQuery)
	bytes[1] = EncodeTime(i.MaxResponseTime)
	binary.BigEndian.PutUint16(bytes[2:4], 0)
	ip := i.GroupAddress.Bytes()
	copy(bytes[4:8], ip[:])
	s := i.RobustnessValue & 0x07
	if i.SuppressRouterProcessing {
		s |= 0x08
	}
	bytes[8] = s
	bytes[9] = EncodeTime(i.QueryInterval)
	binary.BigEndian.PutUint16(bytes[10:12], uint16(n))
	for j, src := range i.SourceAddresses {
		sb := src.Bytes()
		copy(bytes[12+j*4:16+j*4], sb[:])
	}
	if opts.ComputeChecksums {
		binary.BigEndian.PutUint16(bytes[2:4], checksum(bytes))
	}
	return nil
}

func (i *Layer) serializeV3Report(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	total := 8
	for _, r := range i.GroupRecords {
		total += 8 + len(r.SourceAddresses)*4
	}
	bytes, err := b.PrependBytes(total)
	if err != nil {
		return err
	}
	bytes[0] = byte(TypeReportV3)
	bytes[1] = 0
	binary.BigEndian.PutUint16(bytes[2:4], 0)
	binary.BigEndian.PutUint16(bytes[4:6], 0)
	binary.BigEndian.PutUint16(bytes[6:8], uint16(len(i.GroupRecords)))

	offset := 8
	for _, r := range i.GroupRecords {
		bytes[offset] = byte(r.Type)
		bytes[offset+1] = 0
		binary.BigEndian.PutUint16(bytes[offset+2:offset+4], uint16(len(r.SourceAddresses)))
		mb := r.MulticastAddress.Bytes()
		copy(bytes[offset+4:offset+8], mb[:])
		offset += 8
		for _, src := range r.SourceAddresses {
			sb := src.Bytes()
			copy(bytes[offset:offset+4], sb[:])
			offset += 4
		}
	}
	if opts.ComputeChecksums {
		binary.BigEndian.PutUint16(bytes[2:4], checksum(bytes))
	}
	return nil
}

func ipFromBytes(b []byte) netaddr.IpV4 {
	return netaddr.IpV4FromBytes(b[0], b[1], b[2], b[3])
}

// checksum computes the IP-style ones-complement checksum of data.
func checksum(data []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(data); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(data[i : i+2]))
	}
	if len(data)%2 == 1 {
		sum += uint32(data[len(data)-1]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

// DecodeTime decodes RFC 3376 §4.1.1's floating-point time code (used for
// Max Resp Code and QQIC) into a duration in 100ms units.
func DecodeTime(t uint8) time.Duration {
	if t&0x80 == 0 {
		return time.Duration(t) * 100 * time.Millisecond
	}
	mant := uint32(t & 0x0f)
	exp := uint32(t&0x70) >> 4
	return time.Duration((mant|0x10)<<(exp+3)) * 100 * time.Millisecond
}

// EncodeTime is DecodeTime's inverse: the largest byte code whose decoded
// value does not exceed d. Values expressible directly (<= 12.7s) are
// encoded in the raw linear form (top bit clear); larger values use the
// floating-point form and lose precision, as RFC 3376 permits.
func EncodeTime(d time.Duration) uint8 {
	tenths := d / (100 * time.Millisecond)
	if tenths < 0 {
		tenths = 0
	}
	if tenths <= 0x7f {
		return uint8(tenths)
	}
	var best uint8
	var bestVal time.Duration = -1
	for exp := 0; exp <= 7; exp++ {
		for mant := 0; mant <= 15; mant++ {
			code := uint8(0x80 | exp<<4 | mant)
			val := DecodeTime(code) / (100 * time.Millisecond)
			if val <= tenths && val > bestVal {
				bestVal = val
				best = code
			}
		}
	}
	if bestVal < 0 {
		return 0xff
	}
	return best
}

func decodeIGMP(data []byte, p gopacket.PacketBuilder) error {
	l := &Layer{}
	if err := l.DecodeFromBytes(data, p); err != nil {
		return err
	}
	p.AddLayer(l)
	return p.NextDecoder(gopacket.LayerTypeZero)
}
