// Package classify maps connected accessories onto the device-type taxonomy.
//
// Classification tries, in order: product IDs from the live profiler
// snapshot, product IDs from the preference cache, display-name substrings,
// and finally class-of-device bits. Each step runs only when the previous
// one yielded nothing, and ambiguous product evidence is refused rather
// than guessed (with the single documented exception for a lone
// AirPods-named profiler candidate).
package classify

import (
	"log/slog"
	"strings"

	"atoll/internal/normalize"
)

// DeviceType is the closed accessory taxonomy.
type DeviceType int

const (
	TypeUnknown DeviceType = iota
	TypeAirPods1
	TypeAirPods2
	TypeAirPods3
	TypeAirPods4
	TypeAirPodsPro
	TypeAirPodsPro2
	TypeAirPodsPro3
	TypeAirPodsMax
	TypeBeatsSolo
	TypeBeatsStudio
	TypeBeatsFit
	TypePowerbeats
	TypeHeadphones
	TypeSpeaker
	TypeGeneric
)

func (t DeviceType) String() string {
	switch t {
	case TypeAirPods1:
		return "AirPods"
	case TypeAirPods2:
		return "AirPods (2nd generation)"
	case TypeAirPods3:
		return "AirPods (3rd generation)"
	case TypeAirPods4:
		return "AirPods 4"
	case TypeAirPodsPro:
		return "AirPods Pro"
	case TypeAirPodsPro2:
		return "AirPods Pro 2"
	case TypeAirPodsPro3:
		return "AirPods Pro 3"
	case TypeAirPodsMax:
		return "AirPods Max"
	case TypeBeatsSolo:
		return "Beats Solo"
	case TypeBeatsStudio:
		return "Beats Studio"
	case TypeBeatsFit:
		return "Beats Fit Pro"
	case TypePowerbeats:
		return "Powerbeats"
	case TypeHeadphones:
		return "Headphones"
	case TypeSpeaker:
		return "Speaker"
	case TypeGeneric:
		return "Generic"
	default:
		return "Unknown"
	}
}

// IsEarbudPair reports whether the type is a left/right earbud pair for the
// split presenter. AirPods Max is a single unit and is excluded.
func (t DeviceType) IsEarbudPair() bool {
	switch t {
	case TypeAirPods1, TypeAirPods2, TypeAirPods3, TypeAirPods4,
		TypeAirPodsPro, TypeAirPodsPro2, TypeAirPodsPro3:
		return true
	}
	return false
}

// Symbol returns the symbolic icon key consumers render for this type.
func (t DeviceType) Symbol() string {
	switch t {
	case TypeAirPods1, TypeAirPods2:
		return "airpods"
	case TypeAirPods3:
		return "airpods.gen3"
	case TypeAirPods4:
		return "airpods.gen4"
	case TypeAirPodsPro, TypeAirPodsPro2, TypeAirPodsPro3:
		return "airpodspro"
	case TypeAirPodsMax:
		return "airpodsmax"
	case TypeBeatsSolo, TypeBeatsStudio:
		return "beats.headphones"
	case TypeBeatsFit, TypePowerbeats:
		return "beats.earphones"
	case TypeSpeaker:
		return "hifispeaker"
	default:
		return "headphones"
	}
}

// AppleVendorID is assumed when a known Apple accessory product ID arrives
// without a vendor ID.
const AppleVendorID uint16 = 0x05AC

// IDPair is a vendor/product identifier pair as advertised by the accessory.
type IDPair struct {
	Vendor  uint16
	Product uint16
}

// productTable maps known vendor/product pairs to device types.
var productTable = map[IDPair]DeviceType{
	{AppleVendorID, 0x2002}: TypeAirPods1,
	{AppleVendorID, 0x200F}: TypeAirPods2,
	{AppleVendorID, 0x2013}: TypeAirPods3,
	{AppleVendorID, 0x2019}: TypeAirPods4,
	{AppleVendorID, 0x201B}: TypeAirPods4,
	{AppleVendorID, 0x200E}: TypeAirPodsPro,
	{AppleVendorID, 0x2014}: TypeAirPodsPro2,
	{AppleVendorID, 0x2024}: TypeAirPodsPro2,
	{AppleVendorID, 0x2027}: TypeAirPodsPro3,
	{AppleVendorID, 0x200A}: TypeAirPodsMax,
	{AppleVendorID, 0x201F}: TypeAirPodsMax,
	{AppleVendorID, 0x2006}: TypeBeatsSolo,
	{AppleVendorID, 0x200C}: TypeBeatsSolo,
	{AppleVendorID, 0x2009}: TypeBeatsStudio,
	{AppleVendorID, 0x2012}: TypeBeatsFit,
	{AppleVendorID, 0x200D}: TypePowerbeats,
	{AppleVendorID, 0x2011}: TypePowerbeats,
}

// LookupProduct resolves a vendor/product pair against the static table. A
// zero vendor is retried under the Apple vendor ID, since several sources
// report only the product ID for Apple accessories.
func LookupProduct(vendor, product uint16) (DeviceType, bool) {
	if product == 0 {
		return TypeUnknown, false
	}
	if t, ok := productTable[IDPair{vendor, product}]; ok {
		return t, true
	}
	if vendor == 0 {
		if t, ok := productTable[IDPair{AppleVendorID, product}]; ok {
			return t, true
		}
	}
	return TypeUnknown, false
}

// ProductSource yields product identifiers from the live profiler snapshot.
type ProductSource interface {
	// ProductIDByAddress returns the ID pair for an exact normalized
	// address match.
	ProductIDByAddress(addrKey string) (IDPair, bool)
	// SoleAirPodsProduct returns an ID pair only when exactly one
	// AirPods-named entry exists in the snapshot. With several candidates
	// a name-level match cannot be attributed safely and nothing is
	// returned.
	SoleAirPodsProduct() (IDPair, bool)
}

// CacheSource yields product identifiers persisted in the preference cache.
type CacheSource interface {
	CachedProduct(addrKey string) (IDPair, bool)
}

// Classifier resolves device types for the connection tracker. Either
// source may be nil, in which case its step is skipped.
type Classifier struct {
	products ProductSource
	cache    CacheSource
	log      *slog.Logger
}

// New returns a classifier over the given evidence sources.
func New(products ProductSource, cache CacheSource, log *slog.Logger) *Classifier {
	if log == nil {
		log = slog.Default()
	}
	return &Classifier{products: products, cache: cache, log: log}
}

// Classify determines the device type for an accessory. The class argument
// is the advertised class-of-device bitfield, zero when unknown.
func (c *Classifier) Classify(name, address string, class uint32) DeviceType {
	addrKey := normalize.Address(address)
	nameKey := normalize.Name(name)

	if t, ok := c.fromProfiler(addrKey); ok {
		c.log.Debug("classified by profiler product id", "name", name, "type", t)
		return t
	}
	if t, ok := c.fromCache(addrKey, nameKey); ok {
		c.log.Debug("classified by cached product id", "name", name, "type", t)
		return t
	}
	if t, ok := typeFromName(nameKey); ok {
		return t
	}
	if t, ok := typeFromClass(class); ok {
		return t
	}
	return TypeGeneric
}

func (c *Classifier) fromProfiler(addrKey string) (DeviceType, bool) {
	if c.products == nil || addrKey == "" {
		return TypeUnknown, false
	}
	pair, ok := c.products.ProductIDByAddress(addrKey)
	if !ok {
		return TypeUnknown, false
	}
	return LookupProduct(pair.Vendor, pair.Product)
}

func (c *Classifier) fromCache(addrKey, nameKey string) (DeviceType, bool) {
	if c.cache != nil && addrKey != "" {
		if pair, ok := c.cache.CachedProduct(addrKey); ok {
			if t, ok := LookupProduct(pair.Vendor, pair.Product); ok {
				return t, true
			}
		}
	}
	// Second profiler pass. An exact address match was already tried; a
	// name-only match is accepted solely when the snapshot holds exactly
	// one AirPods-named candidate, so two sets of buds connected at once
	// can never be attributed to each other.
	if c.products != nil && strings.Contains(nameKey, "airpods") {
		if pair, ok := c.products.SoleAirPodsProduct(); ok {
			return LookupProduct(pair.Vendor, pair.Product)
		}
	}
	return TypeUnknown, false
}

func typeFromName(nameKey string) (DeviceType, bool) {
	has := func(s string) bool { return strings.Contains(nameKey, s) }

	switch {
	case has("airpods"):
		switch {
		case has("max"):
			return TypeAirPodsMax, true
		case has("pro"):
			return TypeAirPodsPro, true
		case has("gen4"), has("4th"), has("4"):
			return TypeAirPods4, true
		case has("gen3"), has("3rd"), has("3"):
			return TypeAirPods3, true
		default:
			return TypeAirPods1, true
		}
	case has("beats"):
		return TypeBeatsSolo, true
	case has("speaker"), has("boombox"):
		return TypeSpeaker, true
	case has("headphone"), has("headset"), has("buds"), has("earbuds"):
		return TypeHeadphones, true
	}
	return TypeUnknown, false
}

// Class-of-device layout: bits 8-12 major class, bits 2-7 minor class.
const majorClassAudio = 0x04

const (
	minorWearableHeadset = 0x01
	minorHandsfree       = 0x02
	minorLoudspeaker     = 0x05
	minorHeadphones      = 0x06
)

// MajorClass extracts the major device class from a class-of-device field.
func MajorClass(class uint32) uint32 {
	return (class & 0x1f00) >> 8
}

func minorClass(class uint32) uint32 {
	return (class & 0xfc) >> 2
}

func typeFromClass(class uint32) (DeviceType, bool) {
	if class == 0 || MajorClass(class) != majorClassAudio {
		return TypeUnknown, false
	}
	switch minorClass(class) {
	case minorWearableHeadset, minorHandsfree, minorHeadphones:
		return TypeHeadphones, true
	case minorLoudspeaker:
		return TypeSpeaker, true
	}
	return TypeUnknown, false
}

// Short service IDs of the audio profiles that mark an accessory as an
// audio device.
const (
	serviceAudioSink = "110b"
	serviceHeadset   = "1108"
	serviceHandsfree = "111e"
)

// audioMinorHints are profiler minor-type strings that count as audio class
// information on hosts that do not expose the raw class-of-device field.
var audioMinorHints = map[string]bool{
	"headphones": true,
	"headset":    true,
	"speaker":    true,
	"earbuds":    true,
}

// IsAudioDevice is the tracker's membership test, independent of
// classification: an accessory counts as audio when it exposes the Audio
// Sink, Headset, or Handsfree service, or when its major class is audio.
// minorHint carries the platform's textual minor type where no raw class is
// available, and an empty string otherwise.
func IsAudioDevice(class uint32, services []string, minorHint string) bool {
	for _, s := range services {
		if matchesService(s, serviceAudioSink) ||
			matchesService(s, serviceHeadset) ||
			matchesService(s, serviceHandsfree) {
			return true
		}
	}
	if class != 0 && MajorClass(class) == majorClassAudio {
		return true
	}
	return audioMinorHints[strings.ToLower(minorHint)]
}

// matchesService compares a service UUID against a 16-bit short ID,
// accepting both the short form and the full 128-bit base-UUID form.
func matchesService(uuid, short string) bool {
	u := strings.ToLower(strings.TrimSpace(uuid))
	if u == short {
		return true
	}
	return len(u) >= 8 && u[4:8] == short && strings.HasPrefix(u, "0000")
}
