/*
Recursord is a recursive, caching DNS resolver with full DNSSEC validation.

The resolver iterates from the root servers, follows referrals and CNAME
chains, validates answers against configured trust anchors, and serves
results out of a sharded in-memory cache.

Architecture:

Client queries pass through an ordered middleware chain; the resolver
pipeline terminates the chain. The default middleware order is:

 1. Recovery - Panic recovery and error handling
 2. Metrics - Prometheus metrics collection
 3. AccessList - IP-based access control
 4. RateLimit - Query rate limiting per client
 5. EDNS - EDNS0 support and processing
 6. AccessLog - Query logging
 7. Resolver - Iterative resolution, forwarding and DNSSEC validation

The resolver core itself is composed of explicit state machines: the
iterator walks the delegation tree (internal/iterator), the validator
follows DS/DNSKEY chains of trust (internal/validator), and both share the
slab-backed message, RRset, key and infrastructure caches (internal/slab
and friends). Sub-queries for NS addresses, priming and key material run
through the same pipeline with fingerprint de-duplication.

Configuration:

Recursord reads a TOML configuration file (default: recursord.conf), and
generates one with defaults if it is missing. Recognized options cover
cache sizing, target selection, TTL bounds, trust anchors and validation
behavior, and network transports; see the generated file for the full,
commented list.

Usage:

	recursord [flags]
	recursord [command]

Available Commands:

	config-check  Parse the config file and report problems without starting
	version       Print version information

Flags:

	-c, --config string   Location of config file (default "recursord.conf")
	-h, --help            Help for recursord

Example:

	# Start with default config
	recursord

	# Start with custom config
	recursord -c /etc/recursord/recursord.conf

	# Validate a config before deploying it
	recursord config-check -c staging.conf
*/
package main // import "github.com/semihalev/recursord"
