package config

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"github.com/semihalev/zlog/v2"
)

const configver = "1.2.0"

// Config type
type Config struct {
	Version string

	// listeners
	Bind           string
	BindTLS        string
	TLSCertificate string
	TLSPrivateKey  string
	API            string

	// upstream network
	RootServers      []string
	Root6Servers     []string
	ForwarderServers []string
	OutboundIPs      []string
	OutboundIP6s     []string
	OutgoingRange    int      `toml:"outgoing-range"`
	OutgoingPermit   []string `toml:"outgoing-port-permit"`
	OutgoingAvoid    []string `toml:"outgoing-port-avoid"`
	DoIP4            bool     `toml:"do-ip4"`
	DoIP6            bool     `toml:"do-ip6"`
	DoUDP            bool     `toml:"do-udp"`
	DoTCP            bool     `toml:"do-tcp"`
	SoRcvbuf         int      `toml:"so-rcvbuf"`
	SoSndbuf         int      `toml:"so-sndbuf"`
	SoReuseport      bool     `toml:"so-reuseport"`
	EDNSBufferSize   uint16   `toml:"edns-buffer-size"`
	MaxUDPSize       uint16   `toml:"max-udp-size"`
	JostleTimeout    Duration `toml:"jostle-timeout"`
	DelayClose       Duration `toml:"delay-close"`
	Timeout          Duration

	// cache sizing
	MsgCacheSize       int `toml:"msg-cache-size"`
	MsgCacheSlabs      int `toml:"msg-cache-slabs"`
	RRsetCacheSize     int `toml:"rrset-cache-size"`
	RRsetCacheSlabs    int `toml:"rrset-cache-slabs"`
	KeyCacheSize       int `toml:"key-cache-size"`
	KeyCacheSlabs      int `toml:"key-cache-slabs"`
	InfraCacheNumhosts int `toml:"infra-cache-numhosts"`
	InfraCacheSlabs    int `toml:"infra-cache-slabs"`
	NegCacheSize       int `toml:"neg-cache-size"`

	// resolution behavior
	TargetFetchPolicy      []int    `toml:"target-fetch-policy"`
	HardenReferralPath     bool     `toml:"harden-referral-path"`
	HardenGlue             bool     `toml:"harden-glue"`
	HardenDNSSECStripped   bool     `toml:"harden-dnssec-stripped"`
	HardenBelowNXDOMAIN    bool     `toml:"harden-below-nxdomain"`
	UseCapsForID           bool     `toml:"use-caps-for-id"`
	Prefetch               int      // percent of TTL remaining that triggers refresh, 0 disabled
	PrefetchKey            bool     `toml:"prefetch-key"`
	UnwantedReplyThreshold int      `toml:"unwanted-reply-threshold"`
	DoNotQueryAddress      []string `toml:"do-not-query-address"`
	DoNotQueryLocalhost    bool     `toml:"do-not-query-localhost"`
	MaxOutstanding         int64    `toml:"max-outstanding"`

	// TTL bounds
	CacheMinTTL uint32 `toml:"cache-min-ttl"`
	CacheMaxTTL uint32 `toml:"cache-max-ttl"`
	BogusTTL    uint32 `toml:"bogus-ttl"`

	// validation
	RootKeys                  []string
	TrustAnchorFile           string   `toml:"trust-anchor-file"`
	TrustAnchor               []string `toml:"trust-anchor"`
	AutoTrustAnchorFile       string   `toml:"auto-trust-anchor-file"`
	TrustedKeysFile           string   `toml:"trusted-keys-file"`
	DLVAnchorFile             string   `toml:"dlv-anchor-file"`
	DomainInsecure            []string `toml:"domain-insecure"`
	ValOverrideDate           string   `toml:"val-override-date"`
	ValSigSkewMin             uint32   `toml:"val-sig-skew-min"`
	ValSigSkewMax             uint32   `toml:"val-sig-skew-max"`
	ValCleanAdditional        bool     `toml:"val-clean-additional"`
	ValPermissiveMode         bool     `toml:"val-permissive-mode"`
	IgnoreCDFlag              bool     `toml:"ignore-cd-flag"`
	ValNSEC3KeysizeIterations string   `toml:"val-nsec3-keysize-iterations"`
	AddHolddown               uint32   `toml:"add-holddown"`
	DelHolddown               uint32   `toml:"del-holddown"`
	KeepMissing               uint32   `toml:"keep-missing"`

	// zones
	StubZones    map[string][]string `toml:"stub-zones"`
	ForwardZones map[string][]string `toml:"forward-zones"`

	// service ambient
	LogLevel        string
	AccessLog       string
	AccessList      []string
	RateLimit       int
	ClientRateLimit int
	CookieSecret    string
	NSID            string

	sVersion string
}

// ServerVersion return current server version
func (c *Config) ServerVersion() string {
	return c.sVersion
}

// Duration type
type Duration struct {
	time.Duration
}

// UnmarshalText for duration type
func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// NSEC3Rule is one parsed entry of val-nsec3-keysize-iterations.
type NSEC3Rule struct {
	KeyBits int
	MaxIter int
}

// NSEC3Rules parses val-nsec3-keysize-iterations, a whitespace-separated
// list of keysize/iteration pairs ("1024 150 2048 500 4096 2500").
func (c *Config) NSEC3Rules() ([]NSEC3Rule, error) {
	fields := strings.Fields(c.ValNSEC3KeysizeIterations)
	if len(fields) == 0 {
		return nil, nil
	}
	if len(fields)%2 != 0 {
		return nil, fmt.Errorf("val-nsec3-keysize-iterations needs pairs, got %d values", len(fields))
	}

	rules := make([]NSEC3Rule, 0, len(fields)/2)
	for i := 0; i < len(fields); i += 2 {
		bits, err := strconv.Atoi(fields[i])
		if err != nil {
			return nil, fmt.Errorf("val-nsec3-keysize-iterations keysize %q: %w", fields[i], err)
		}
		iter, err := strconv.Atoi(fields[i+1])
		if err != nil {
			return nil, fmt.Errorf("val-nsec3-keysize-iterations iterations %q: %w", fields[i+1], err)
		}
		rules = append(rules, NSEC3Rule{KeyBits: bits, MaxIter: iter})
	}
	return rules, nil
}

// OverrideDate parses val-override-date (YYYYMMDDHHmmSS, or unix seconds).
// A zero return means no override.
func (c *Config) OverrideDate() (time.Time, error) {
	s := c.ValOverrideDate
	if s == "" || s == "0" {
		return time.Time{}, nil
	}
	if len(s) == 14 {
		return time.Parse("20060102150405", s)
	}
	secs, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("val-override-date %q: %w", s, err)
	}
	return time.Unix(secs, 0), nil
}

var defaultConfig = `
# Config version, config and build versions can be different.
version = "%s"

# Address to bind to for the DNS server
bind = ":53"

# Address to bind to for the DNS-over-TLS server
# bindtls = ":853"

# TLS certificate file
# tlscertificate = "server.crt"

# TLS private key file
# tlsprivatekey = "server.key"

# Outbound ipv4 addresses, if you set multiple, a random one is used per request
outboundips = [
]

# Outbound ipv6 addresses
outboundip6s = [
]

# Root zone ipv4 servers
rootservers = [
"192.5.5.241:53",
"198.41.0.4:53",
"192.228.79.201:53",
"192.33.4.12:53",
"199.7.91.13:53",
"192.203.230.10:53",
"192.112.36.4:53",
"128.63.2.53:53",
"192.36.148.17:53",
"192.58.128.30:53",
"193.0.14.129:53",
"199.7.83.42:53",
"202.12.27.33:53"
]

# Root zone ipv6 servers
root6servers = [
"[2001:500:2f::f]:53",
"[2001:503:ba3e::2:30]:53",
"[2001:500:200::b]:53",
"[2001:500:2::c]:53",
"[2001:500:2d::d]:53",
"[2001:500:a8::e]:53",
"[2001:500:12::d0d]:53",
"[2001:500:1::53]:53",
"[2001:7fe::53]:53",
"[2001:503:c27::2:30]:53",
"[2001:7fd::1]:53",
"[2001:500:9f::42]:53",
"[2001:dc3::35]:53"
]

# Trusted anchors for dnssec
rootkeys = [
".			172800	IN	DNSKEY	257 3 8 AwEAAaz/tAm8yTn4Mfeh5eyI96WSVexTBAvkMgJzkKTOiW1vkIbzxeF3+/4RgWOq7HrxRixHlFlExOLAJr5emLvN7SWXgnLh4+B5xQlNVz8Og8kvArMtNROxVQuCaSnIDdD5LKyWbRd2n9WGe2R8PzgCmr3EgVLrjyBxWezF0jLHwVN8efS3rCj/EWgvIWgb9tarpVUDK/b58Da+sqqls3eNbuv7pr+eoZG+SrDK6nWeL3c6H5Apxz7LjVc1uTIdsIXxuOLYA4/ilBmSVIzuDWfdRUfhHdY6+cn8HFRm+2hM8AnXGXws9555KrUB5qihylGa8subX2Nn6UwNR1AkUTV74bU="
]

# File with additional trust anchors (DS or DNSKEY presentation format)
# trust-anchor-file = ""

# Automated RFC 5011 trust anchor file; the resolver writes rollover state back
# auto-trust-anchor-file = "root.key"

# Inline trust anchors, one DS or DNSKEY record each
# trust-anchor = []

# Zones treated as provably insecure without validation
# domain-insecure = []

# Signature validity skew allowances in seconds
val-sig-skew-min = 60
val-sig-skew-max = 86400

# Validation date override for testing, YYYYMMDDHHmmSS or unix seconds, "0" disabled
val-override-date = "0"

# Strip unvalidated records from the additional section
val-clean-additional = true

# Serve bogus answers to clients as indeterminate instead of SERVFAIL
val-permissive-mode = false

# Validate even when the query has the CD bit set
ignore-cd-flag = false

# NSEC3 keysize to maximum iterations schedule
val-nsec3-keysize-iterations = "1024 150 2048 500 4096 2500"

# RFC 5011 hold-down timers in seconds
add-holddown = 2592000
del-holddown = 2592000
keep-missing = 31622400

# TTL for cached bogus results in seconds
bogus-ttl = 60

# TTL clamps for positive cache entries in seconds
cache-min-ttl = 0
cache-max-ttl = 86400

# Message cache memory budget in bytes and slab count (slabs must be a power of two)
msg-cache-size = 4194304
msg-cache-slabs = 8

# RRset cache memory budget in bytes and slab count
rrset-cache-size = 8388608
rrset-cache-slabs = 8

# Key cache memory budget in bytes and slab count
key-cache-size = 4194304
key-cache-slabs = 8

# Infrastructure cache hosts and slab count
infra-cache-numhosts = 10000
infra-cache-slabs = 8

# Negative cache entries
neg-cache-size = 10000

# How many missing NS target addresses to fetch per dependency depth
target-fetch-policy = [3, 2, 1, 0, 0]

# Referral path hardening
harden-referral-path = false

# Reject glue outside the delegation
harden-glue = true

# Treat missing signatures in a signed zone as bogus
harden-dnssec-stripped = true

# Do not resolve below a cached NXDOMAIN
harden-below-nxdomain = false

# Randomize query name case as spoofing protection
use-caps-for-id = false

# Refresh hot cache entries at this percent of remaining TTL, 0 disabled
prefetch = 10

# Fetch DNSKEYs earlier in the validation process
prefetch-key = false

# Unwanted reply threshold before defensive cache flush, 0 disabled
unwanted-reply-threshold = 0

# Addresses never queried upstream
do-not-query-address = []

# Refuse to query localhost addresses
do-not-query-localhost = true

# Outstanding client queries before new arrivals are jostled, 0 unlimited
max-outstanding = 4096

# Transport toggles
do-ip4 = true
do-ip6 = true
do-udp = true
do-tcp = true

# EDNS0 buffer advertised upstream
edns-buffer-size = 1232

# Largest UDP reply to clients
max-udp-size = 4096

# Timeout before an old query is jostled out under load
jostle-timeout = "200ms"

# Linger on closed UDP sockets to absorb late replies
delay-close = "0s"

# Network timeout for each dns lookup
timeout = "2s"

# Upstream servers to unconditionally forward all queries to instead of
# iterating from the root, left blank to resolve iteratively as normal.
forwarderservers = [
]

# Stub zones: apex to authoritative server addresses
# [stub-zones]
# "example.internal." = ["10.0.0.5:53"]

# Forward zones: apex to forwarder addresses
# [forward-zones]
# "corp.example." = ["10.1.0.5:53"]

# Address to bind to for the http API server, left blank for disabled
api = "127.0.0.1:8080"

# What kind of information should be logged, Log verbosity level [crit,error,warn,info,debug]
loglevel = "info"

# The location of access log file, left blank for disabled.
# accesslog = ""

# Which clients allowed to make queries
accesslist = [
"0.0.0.0/0",
"::0/0"
]

# Query based ratelimit per second, 0 for disabled
ratelimit = 0

# Client ip address based ratelimit per minute, 0 for disabled
clientratelimit = 0

# DNS server identifier (RFC 5001), left blank for disabled
nsid = ""
`

// Load loads the given config file, generating a default one if absent.
func Load(cfgfile, version string) (*Config, error) {
	config := new(Config)

	if _, err := os.Stat(cfgfile); os.IsNotExist(err) {
		if err := generateConfig(cfgfile); err != nil {
			return nil, err
		}
	}

	zlog.Info("Loading config file", "path", cfgfile)

	if _, err := toml.DecodeFile(cfgfile, config); err != nil {
		return nil, fmt.Errorf("could not load config: %s", err)
	}

	if config.Version != configver {
		zlog.Warn("Config file is out of version, you can generate new one and check the changes.")
	}

	config.sVersion = version

	if config.CookieSecret == "" {
		var v uint64

		err := binary.Read(rand.Reader, binary.BigEndian, &v)
		if err != nil {
			return nil, err
		}

		config.CookieSecret = fmt.Sprintf("%16x", v)
	}

	return config, nil
}

func generateConfig(path string) error {
	output, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("could not generate config: %s", err)
	}

	defer func() {
		err := output.Close()
		if err != nil {
			zlog.Warn("Config generation failed while file closing", "error", err.Error())
		}
	}()

	r := strings.NewReader(fmt.Sprintf(defaultConfig, configver))
	if _, err := io.Copy(output, r); err != nil {
		return fmt.Errorf("could not copy default config: %s", err)
	}

	if abs, err := filepath.Abs(path); err == nil {
		zlog.Info("Default config file generated", "config", abs)
	}

	return nil
}

// Watch invokes onChange whenever path is written or replaced, until the
// returned closer is closed. Used for trust-anchor-file and access-list
// reloads without a daemon restart.
func Watch(path string, onChange func()) (io.Closer, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	// watch the directory: editors and atomic writers replace the file,
	// which drops a watch set on the file itself
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, err
	}

	base := filepath.Base(path)
	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != base {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					onChange()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				zlog.Warn("Config watcher error", "path", path, "error", err.Error())
			}
		}
	}()

	return watcher, nil
}
