package scanner

import (
	"regexp"
	"strings"
)

// VendorFingerprint describes the device behind a server banner.
type VendorFingerprint struct {
	Vendor  string
	Product string
	Version string
}

// Known reports whether a vendor was recognized.
func (v VendorFingerprint) Known() bool { return v.Vendor != "" }

// Fingerprinter maps RTSP and HTTP Server banners to camera vendors.
type Fingerprinter struct {
	signatures []signature
}

type signature struct {
	pattern *regexp.Regexp
	extract func([]string) VendorFingerprint
}

// NewFingerprinter creates a new vendor fingerprinter.
func NewFingerprinter() *Fingerprinter {
	f := &Fingerprinter{}
	f.loadSignatures()
	return f
}

// Identify returns the vendor suggested by banner, or a zero value.
func (f *Fingerprinter) Identify(banner string) VendorFingerprint {
	banner = strings.TrimSpace(banner)
	if banner == "" {
		return VendorFingerprint{}
	}
	for _, sig := range f.signatures {
		if matches := sig.pattern.FindStringSubmatch(banner); matches != nil {
			return sig.extract(matches)
		}
	}
	return VendorFingerprint{}
}

func vendor(name string) func([]string) VendorFingerprint {
	return func(m []string) VendorFingerprint {
		fp := VendorFingerprint{Vendor: name}
		if len(m) > 1 {
			fp.Version = m[1]
		}
		return fp
	}
}

func (f *Fingerprinter) loadSignatures() {
	f.signatures = []signature{
		// Hikvision and its OEM firmware
		{
			pattern: regexp.MustCompile(`(?i)(?:Hikvision|HikHttp|DNVRS-Webs|App-webs)(?:[/ ](\d+(?:\.\d+)*))?`),
			extract: vendor("Hikvision"),
		},
		// Dahua
		{
			pattern: regexp.MustCompile(`(?i)Dahua(?:[/ ](\d+(?:\.\d+)*))?`),
			extract: vendor("Dahua"),
		},
		// Axis
		{
			pattern: regexp.MustCompile(`(?i)AXIS(?:\s+(\S+))?`),
			extract: func(m []string) VendorFingerprint {
				return VendorFingerprint{Vendor: "Axis", Product: m[1]}
			},
		},
		// Hanwha, formerly Samsung Techwin
		{
			pattern: regexp.MustCompile(`(?i)Wisenet|Samsung|Hanwha`),
			extract: vendor("Hanwha"),
		},
		// Uniview
		{
			pattern: regexp.MustCompile(`(?i)Uniview|\bUNV\b`),
			extract: vendor("Uniview"),
		},
		// Reolink
		{
			pattern: regexp.MustCompile(`(?i)Reolink`),
			extract: vendor("Reolink"),
		},
		// Amcrest
		{
			pattern: regexp.MustCompile(`(?i)Amcrest`),
			extract: vendor("Amcrest"),
		},
		// Foscam
		{
			pattern: regexp.MustCompile(`(?i)Foscam`),
			extract: vendor("Foscam"),
		},
		// Vivotek
		{
			pattern: regexp.MustCompile(`(?i)Vivotek`),
			extract: vendor("Vivotek"),
		},
		// Bosch
		{
			pattern: regexp.MustCompile(`(?i)Bosch|VCS-VideoJet`),
			extract: vendor("Bosch"),
		},
		// Ubiquiti
		{
			pattern: regexp.MustCompile(`(?i)Ubiquiti|UniFi`),
			extract: vendor("Ubiquiti"),
		},
		// Sony
		{
			pattern: regexp.MustCompile(`(?i)Sony`),
			extract: vendor("Sony"),
		},
		// Panasonic
		{
			pattern: regexp.MustCompile(`(?i)Panasonic`),
			extract: vendor("Panasonic"),
		},
		// Mobotix
		{
			pattern: regexp.MustCompile(`(?i)MOBOTIX`),
			extract: vendor("Mobotix"),
		},
	}
}
