// Copyright 2026 The WebAlive Authors
// SPDX-License-Identifier: Apache-2.0

package routing

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"github.com/webalive/fleet/lib/config"
	"github.com/webalive/fleet/lib/hostname"
	"github.com/webalive/fleet/registry"
)

// Artifacts is one complete, consistent rendering of routing state.
// All four files are regenerated together from the same record set;
// there is no incremental editing.
type Artifacts struct {
	// Routes is the Caddy site-block file: one main-host block and
	// one preview-host block per domain.
	Routes []byte

	// Shell is the Caddy file for the shell front-door domains.
	Shell []byte

	// SNIMap maps TLS server names to backends for the front TCP
	// router, default line last.
	SNIMap []byte

	// PortMap is the hostname→port JSON lookup table for the preview
	// proxy.
	PortMap []byte

	// Domains is the number of valid records rendered.
	Domains int

	// Digest fingerprints the artifact bodies (recorded in the
	// routes header; reconcile skips writes and reloads when it
	// matches the deployed file).
	Digest string
}

const (
	headerPrefix = "# fleet: "
	digestPrefix = "# digest: blake3:"

	// staticCacheControl is served for fingerprinted build assets.
	// Mirrors the header the preview proxy sets when serving images
	// directly.
	staticCacheControl = "public, max-age=31536000, immutable"

	staticMatcher = "*.js *.css *.ico *.gif *.jpg *.jpeg *.png *.svg *.webp *.avif *.woff *.woff2"
)

// render produces the artifact set for a record list. Pure: same
// records, same config, same clock reading, same bytes.
func (g *Generator) render(records []registry.Record) Artifacts {
	valid := make([]registry.Record, 0, len(records))
	for _, record := range records {
		if err := hostname.Validate(record.Hostname); err != nil {
			g.logger.Warn("skipping record with invalid hostname",
				"hostname", record.Hostname,
				"error", err,
			)
			continue
		}
		valid = append(valid, record)
	}

	routesBody := renderRoutesBody(valid, g.routing)
	shellBody := renderShellBody(g.shell)
	sniBody := renderSNIBody(g.shell, g.routing.DefaultBackend)
	portMap := renderPortMap(valid)

	digest := artifactDigest([]byte(routesBody), []byte(shellBody), []byte(sniBody), portMap)
	header := g.header(len(valid))

	return Artifacts{
		Routes:  []byte(header + digestPrefix + digest + "\n\n" + routesBody),
		Shell:   []byte(header + shellBody),
		SNIMap:  []byte(header + sniBody),
		PortMap: portMap,
		Domains: len(valid),
		Digest:  digest,
	}
}

// header is the audit line every generated text file starts with.
func (g *Generator) header(domains int) string {
	return fmt.Sprintf("%sserver %s generated %s domains %d\n",
		headerPrefix,
		g.serverID,
		g.clock.Now().UTC().Format(time.RFC3339),
		domains,
	)
}

// artifactDigest fingerprints all rendered bodies, not just the
// routes: a config edit that only moves a shell domain must still
// defeat the reconcile skip.
func artifactDigest(bodies ...[]byte) string {
	hasher := blake3.New()
	for _, body := range bodies {
		hasher.Write(body)
		hasher.Write([]byte{0})
	}
	return hex.EncodeToString(hasher.Sum(nil))
}

// renderRoutesBody emits the per-domain Caddy blocks. Records arrive
// hostname-ordered from the registry, which is what makes the output
// reproducible.
func renderRoutesBody(records []registry.Record, cfg config.RoutingConfig) string {
	var b strings.Builder
	for _, record := range records {
		fmt.Fprintf(&b, "%s {\n", record.Hostname)
		b.WriteString("\timport site_defaults\n")
		fmt.Fprintf(&b, "\t@static path %s\n", staticMatcher)
		fmt.Fprintf(&b, "\theader @static Cache-Control %q\n", staticCacheControl)
		fmt.Fprintf(&b, "\treverse_proxy localhost:%d\n", record.Port)
		b.WriteString("}\n\n")

		// The preview host serves the same site for the editor's
		// iframe: embeddable only by the allowed parents, and never
		// indexed.
		fmt.Fprintf(&b, "%s {\n", hostname.PreviewHost(record.Hostname, cfg.PreviewBase))
		if len(cfg.FrameAncestors) > 0 {
			fmt.Fprintf(&b, "\theader Content-Security-Policy \"frame-ancestors %s\"\n",
				strings.Join(cfg.FrameAncestors, " "))
		}
		b.WriteString("\theader X-Robots-Tag \"noindex, nofollow\"\n")
		fmt.Fprintf(&b, "\treverse_proxy localhost:%d\n", record.Port)
		b.WriteString("}\n\n")
	}
	return b.String()
}

// renderShellBody emits a proxy block per shell domain. No shell
// domains configured renders nothing after the header, which is a
// valid (empty) Caddy include.
func renderShellBody(cfg config.ShellConfig) string {
	var b strings.Builder
	for _, domain := range cfg.Domains {
		fmt.Fprintf(&b, "%s%s {\n", domain, cfg.ListenSuffix)
		fmt.Fprintf(&b, "\treverse_proxy %s\n", cfg.Upstream)
		b.WriteString("}\n\n")
	}
	return b.String()
}

// renderSNIBody emits the server-name→backend lines for the front TCP
// router: shell domains to the shell upstream, everything else to the
// default backend. The wildcard line is last; the router matches top
// down.
func renderSNIBody(cfg config.ShellConfig, defaultBackend string) string {
	var b strings.Builder
	for _, domain := range cfg.Domains {
		fmt.Fprintf(&b, "%s %s\n", domain, cfg.Upstream)
	}
	fmt.Fprintf(&b, "* %s\n", defaultBackend)
	return b.String()
}

// renderPortMap emits the preview proxy's lookup table. Each site
// appears under both its hostname and its preview label, so the proxy
// resolves either form without reconstructing dots from dashes.
func renderPortMap(records []registry.Record) []byte {
	ports := make(map[string]int, len(records)*2)
	for _, record := range records {
		ports[record.Hostname] = int(record.Port)
		ports[hostname.PreviewPrefix+hostname.Label(record.Hostname)] = int(record.Port)
	}

	// Map keys marshal sorted, so the JSON is deterministic.
	data, err := json.MarshalIndent(ports, "", "  ")
	if err != nil {
		// A map[string]int cannot fail to marshal.
		panic(fmt.Sprintf("routing: port map marshal: %v", err))
	}
	return append(data, '\n')
}
