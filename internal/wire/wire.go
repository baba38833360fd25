// Package wire defines the netplay input-relay wire protocol: opcodes,
// payload types, and their packet encodings. Everything here is pure data —
// no I/O, no locking — so it can be unit tested without a socket.
package wire

import (
	"fmt"
	"math"

	"netplay64/internal/packet"
)

// Opcode identifies a packet's payload shape on the wire.
type Opcode uint8

const (
	OpVersion Opcode = iota
	OpJoin
	OpAccept
	OpPath
	OpPing
	OpPong
	OpQuit
	OpName
	OpSaveInfo
	OpRoomCheck
	OpLatency
	OpMessage
	OpLag
	OpSaveSync
	OpAutolag
	OpControllers
	OpStart
	OpGolf
	OpInputMap
	OpInputData
	OpInputUpdate // reserved, never sent
	OpInputRate
	OpRequestAuthority
	OpDelegateAuthority
)

func (o Opcode) String() string {
	names := [...]string{
		"VERSION", "JOIN", "ACCEPT", "PATH", "PING", "PONG", "QUIT", "NAME",
		"SAVE_INFO", "ROOM_CHECK", "LATENCY", "MESSAGE", "LAG", "SAVE_SYNC",
		"AUTOLAG", "CONTROLLERS", "START", "GOLF", "INPUT_MAP", "INPUT_DATA",
		"INPUT_UPDATE", "INPUT_RATE", "REQUEST_AUTHORITY", "DELEGATE_AUTHORITY",
	}
	if int(o) < len(names) {
		return names[o]
	}
	return fmt.Sprintf("Opcode(%d)", o)
}

// Protocol-level constants.
const (
	ProtocolVersion    = 47
	MaxPlayers         = 4
	DefaultLag         = 5
	InputHistoryLength = 12

	// HIARateMin and HIARateMax bound any nonzero host-input-authority rate
	// requested over INPUT_RATE; zero always means "disabled" and is left
	// untouched.
	HIARateMin = 5
	HIARateMax = 300

	// MaxUDPDatagram is the largest single UDP datagram this protocol will
	// emit; a pending batch is flushed early if appending to it would cross
	// this threshold.
	MaxUDPDatagram = 1500
)

// PluginKind identifies which N64 controller-pak accessory, if any, is
// plugged into a controller port. Values are 1-indexed, matching the
// original plugin enumeration.
type PluginKind uint8

const (
	PluginNone PluginKind = 1 + iota
	PluginMemory
	PluginRumble
	PluginTransfer
)

// Controller describes one of a user's four controller ports.
type Controller struct {
	Present bool
	RawData bool
	Plugin  PluginKind
}

// WriteTo encodes c in UserInfo field order: present, raw_data, plugin.
func (c Controller) WriteTo(p *packet.Packet) {
	p.WriteU8(boolByte(c.Present))
	p.WriteU8(boolByte(c.RawData))
	p.WriteU8(byte(c.Plugin))
}

// ReadController decodes a Controller in UserInfo field order.
func ReadController(p *packet.Packet) (Controller, error) {
	var c Controller
	present, err := p.ReadU8()
	if err != nil {
		return c, err
	}
	raw, err := p.ReadU8()
	if err != nil {
		return c, err
	}
	plugin, err := p.ReadU8()
	if err != nil {
		return c, err
	}
	c.Present = present != 0
	c.RawData = raw != 0
	c.Plugin = PluginKind(plugin)
	return c, nil
}

// InputMap is a 4x4 source-controller-port -> destination-controller-port
// permutation, one bit per (src, dst) pair. Bit index is src*4+dst.
type InputMap uint16

// IdentityMap maps each source port straight to the same destination port.
const IdentityMap InputMap = 0x8421

// Get reports whether src maps to dst. Out-of-range ports (>=4) always
// report false and never panic, matching the decode-time tolerance required
// of a malformed or adversarial map.
func (m InputMap) Get(src, dst int) bool {
	if src < 0 || src >= 4 || dst < 0 || dst >= 4 {
		return false
	}
	return m&(1<<uint(src*4+dst)) != 0
}

// Set assigns src -> dst. Out-of-range ports are silently ignored.
func (m *InputMap) Set(src, dst int) {
	if src < 0 || src >= 4 || dst < 0 || dst >= 4 {
		return
	}
	*m |= 1 << uint(src*4+dst)
}

// Clear removes every mapping.
func (m *InputMap) Clear() { *m = 0 }

// InputSample is one frame's worth of button state for all four ports plus
// the sender's port-remapping.
type InputSample struct {
	Data [4]uint32
	Map  InputMap
}

// SampleWireSize is the fixed encoded size of an InputSample: 4 uint32
// button words (16 bytes) plus a uint16 map (2 bytes).
const SampleWireSize = 18

// NonZero reports whether any button word is nonzero.
func (s InputSample) NonZero() bool {
	return s.Data[0] != 0 || s.Data[1] != 0 || s.Data[2] != 0 || s.Data[3] != 0
}

func (s InputSample) WriteTo(p *packet.Packet) {
	for _, w := range s.Data {
		p.WriteU32(w)
	}
	p.WriteU16(uint16(s.Map))
}

func ReadInputSample(p *packet.Packet) (InputSample, error) {
	var s InputSample
	for i := range s.Data {
		v, err := p.ReadU32()
		if err != nil {
			return s, err
		}
		s.Data[i] = v
	}
	m, err := p.ReadU16()
	if err != nil {
		return s, err
	}
	s.Map = InputMap(m)
	return s, nil
}

// RomInfo identifies the ROM a user has loaded.
type RomInfo struct {
	CRC1, CRC2  uint32
	Name        string
	CountryCode byte
	Version     uint8
}

// Known reports whether both CRCs are nonzero, i.e. a ROM has actually been
// identified.
func (r RomInfo) Known() bool { return r.CRC1 != 0 && r.CRC2 != 0 }

// String renders the conventional "name-CRC1-CRC2" identifier, with each
// CRC as 8 uppercase hex digits, most significant nibble first.
func (r RomInfo) String() string {
	reverseHex := func(v uint32) string {
		const digits = "0123456789ABCDEF"
		b := make([]byte, 8)
		for i := 0; i < 8; i++ {
			b[i] = digits[(v>>(uint(i^7)*4))&0xF]
		}
		return string(b)
	}
	return fmt.Sprintf("%s-%s-%s", r.Name, reverseHex(r.CRC1), reverseHex(r.CRC2))
}

func (r RomInfo) WriteTo(p *packet.Packet) {
	p.WriteU32(r.CRC1).WriteU32(r.CRC2)
	p.WriteString(r.Name)
	p.WriteU8(r.CountryCode)
	p.WriteU8(r.Version)
}

func ReadRomInfo(p *packet.Packet) (RomInfo, error) {
	var r RomInfo
	var err error
	if r.CRC1, err = p.ReadU32(); err != nil {
		return r, err
	}
	if r.CRC2, err = p.ReadU32(); err != nil {
		return r, err
	}
	if r.Name, err = p.ReadString(); err != nil {
		return r, err
	}
	if r.CountryCode, err = p.ReadU8(); err != nil {
		return r, err
	}
	if r.Version, err = p.ReadU8(); err != nil {
		return r, err
	}
	return r, nil
}

// SaveBlob is one opaque save-data slot (SRAM, EEPROM, flash, mempak, ...).
type SaveBlob struct {
	RomName  string
	SaveName string
	SaveData []byte
	SHA1     []byte
}

func (s SaveBlob) WriteTo(p *packet.Packet) {
	p.WriteString(s.RomName)
	p.WriteString(s.SaveName)
	p.WriteVarint(uint64(len(s.SaveData)))
	p.WriteBytes(s.SaveData)
	p.WriteVarint(uint64(len(s.SHA1)))
	p.WriteBytes(s.SHA1)
}

func ReadSaveBlob(p *packet.Packet) (SaveBlob, error) {
	var s SaveBlob
	var err error
	if s.RomName, err = p.ReadString(); err != nil {
		return s, err
	}
	if s.SaveName, err = p.ReadString(); err != nil {
		return s, err
	}
	n, err := p.ReadVarint()
	if err != nil {
		return s, err
	}
	if s.SaveData, err = p.ReadBytes(int(n)); err != nil {
		return s, err
	}
	n, err = p.ReadVarint()
	if err != nil {
		return s, err
	}
	if s.SHA1, err = p.ReadBytes(int(n)); err != nil {
		return s, err
	}
	return s, nil
}

// Authority identifies how a player's input reaches the room. Under
// AuthorityClient the player's client streams sequence-numbered input
// batches that are relayed as they are accepted; under AuthorityHost the
// player sends bare samples and the room fans the latest one out on its
// host-input tick.
type Authority uint8

const (
	AuthorityHost Authority = iota
	AuthorityClient
)

// UserInfo is the full, server-assigned description of one room member.
// Field order here is the wire order for ACCEPT/JOIN snapshots: id,
// authority owner, name, rom, 5 saves, lag, latency, 4 controllers, map,
// manual_map.
type UserInfo struct {
	ID             uint32
	AuthorityOwner uint32 // equals ID when Authority == AuthorityHost
	Name           string
	Rom            RomInfo
	Saves          [5]SaveBlob
	Lag            uint8
	Latency        float64 // NaN = unknown
	Controllers    [4]Controller
	Map            InputMap
	ManualMap      bool
}

func (u UserInfo) WriteTo(p *packet.Packet) {
	p.WriteU32(u.ID).WriteU32(u.AuthorityOwner)
	p.WriteString(u.Name)
	u.Rom.WriteTo(p)
	for _, s := range u.Saves {
		s.WriteTo(p)
	}
	p.WriteU8(u.Lag)
	p.WriteF64(u.Latency)
	for _, c := range u.Controllers {
		c.WriteTo(p)
	}
	p.WriteU16(uint16(u.Map))
	p.WriteU8(boolByte(u.ManualMap))
}

func ReadUserInfo(p *packet.Packet) (UserInfo, error) {
	var u UserInfo
	var err error
	if u.ID, err = p.ReadU32(); err != nil {
		return u, err
	}
	if u.AuthorityOwner, err = p.ReadU32(); err != nil {
		return u, err
	}
	if u.Name, err = p.ReadString(); err != nil {
		return u, err
	}
	if u.Rom, err = ReadRomInfo(p); err != nil {
		return u, err
	}
	for i := range u.Saves {
		if u.Saves[i], err = ReadSaveBlob(p); err != nil {
			return u, err
		}
	}
	if u.Lag, err = p.ReadU8(); err != nil {
		return u, err
	}
	if u.Latency, err = p.ReadF64(); err != nil {
		return u, err
	}
	for i := range u.Controllers {
		if u.Controllers[i], err = ReadController(p); err != nil {
			return u, err
		}
	}
	m, err := p.ReadU16()
	if err != nil {
		return u, err
	}
	u.Map = InputMap(m)
	manual, err := p.ReadU8()
	if err != nil {
		return u, err
	}
	u.ManualMap = manual != 0
	return u, nil
}

// WriteControllersPacket encodes a CONTROLLERS payload for one user: id,
// then per controller (plugin, present, raw_data) — the order room.cpp
// actually uses on this specific opcode, which differs from the generic
// UserInfo controller field order above. See DESIGN.md.
func WriteControllersPacket(p *packet.Packet, id uint32, controllers [4]Controller, m InputMap) {
	p.WriteU32(id)
	for _, c := range controllers {
		p.WriteU8(byte(c.Plugin))
		p.WriteU8(boolByte(c.Present))
		p.WriteU8(boolByte(c.RawData))
	}
	p.WriteU16(uint16(m))
}

// ReadControllersPacket decodes a single user's entry from a CONTROLLERS
// payload, in the opcode-specific (plugin, present, raw_data) order.
func ReadControllersPacket(p *packet.Packet) (id uint32, controllers [4]Controller, m InputMap, err error) {
	if id, err = p.ReadU32(); err != nil {
		return
	}
	for i := range controllers {
		var plugin, present, raw uint8
		if plugin, err = p.ReadU8(); err != nil {
			return
		}
		if present, err = p.ReadU8(); err != nil {
			return
		}
		if raw, err = p.ReadU8(); err != nil {
			return
		}
		controllers[i] = Controller{Present: present != 0, RawData: raw != 0, Plugin: PluginKind(plugin)}
	}
	var mm uint16
	if mm, err = p.ReadU16(); err != nil {
		return
	}
	m = InputMap(mm)
	return
}

// ClampHIARate clamps a nonzero requested host-input-authority rate into
// [HIARateMin, HIARateMax]; zero (disabled) passes through unchanged.
func ClampHIARate(hz uint32) uint32 {
	if hz == 0 {
		return 0
	}
	if hz < HIARateMin {
		return HIARateMin
	}
	if hz > HIARateMax {
		return HIARateMax
	}
	return hz
}

// LatencyUnknown is the sentinel for "no latency sample yet".
var LatencyUnknown = math.NaN()

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
