// Package drm manages encrypted-media key systems: key-system negotiation,
// session lifecycle, license exchange, and key-status tracking. It gates when
// encrypted segments become appendable but is otherwise independent of the
// streaming engine.
package drm

import (
	"maps"

	"github.com/streva/streva/internal/media"
)

// CommonDrmInfos intersects two DrmInfo lists by key system, merging the
// fields of each match. Streams can only be adapted between when they share
// at least one key system, so an empty result marks an incompatible pair.
//
// Merging is a pure reduction: robustness/server/certificate fall back from a
// to b when unset in a, boolean capabilities OR together, and init data and
// key ids union.
func CommonDrmInfos(a, b []media.DrmInfo) []media.DrmInfo {
	if len(a) == 0 {
		return cloneInfos(b)
	}
	if len(b) == 0 {
		return cloneInfos(a)
	}
	var out []media.DrmInfo
	for _, ia := range a {
		for _, ib := range b {
			if ia.KeySystem != ib.KeySystem {
				continue
			}
			out = append(out, mergeDrmInfo(ia, ib))
		}
	}
	return out
}

func mergeDrmInfo(a, b media.DrmInfo) media.DrmInfo {
	m := media.DrmInfo{
		KeySystem:         a.KeySystem,
		LicenseServerURI:  firstNonEmpty(a.LicenseServerURI, b.LicenseServerURI),
		ServerCertificate: a.ServerCertificate,
		Robustness:        firstNonEmpty(a.Robustness, b.Robustness),
		PersistentState:   a.PersistentState || b.PersistentState,
		DistinctiveID:     a.DistinctiveID || b.DistinctiveID,
		SessionType:       firstNonEmpty(a.SessionType, b.SessionType),
	}
	if m.ServerCertificate == nil {
		m.ServerCertificate = b.ServerCertificate
	}
	m.InitData = append(append([]media.InitDataRecord{}, a.InitData...), b.InitData...)
	if a.KeyIDs != nil || b.KeyIDs != nil {
		m.KeyIDs = make(map[string]struct{}, len(a.KeyIDs)+len(b.KeyIDs))
		maps.Copy(m.KeyIDs, a.KeyIDs)
		maps.Copy(m.KeyIDs, b.KeyIDs)
	}
	return m
}

// FillDrmInfoDefaults applies application configuration onto a manifest
// DrmInfo: license servers and advanced key-system settings keyed by key
// system. Manifest-provided values win; configuration fills the unset.
func FillDrmInfoDefaults(info media.DrmInfo, servers map[string]string, advanced map[string]AdvancedConfig) media.DrmInfo {
	if info.LicenseServerURI == "" {
		info.LicenseServerURI = servers[info.KeySystem]
	}
	adv, ok := advanced[info.KeySystem]
	if !ok {
		return info
	}
	if info.Robustness == "" {
		info.Robustness = adv.Robustness
	}
	if info.ServerCertificate == nil {
		info.ServerCertificate = adv.ServerCertificate
	}
	if !info.PersistentState {
		info.PersistentState = adv.PersistentState
	}
	if !info.DistinctiveID {
		info.DistinctiveID = adv.DistinctiveID
	}
	if info.SessionType == "" {
		info.SessionType = adv.SessionType
	}
	return info
}

// AdvancedConfig holds per-key-system application settings.
type AdvancedConfig struct {
	Robustness        string
	ServerCertificate []byte
	PersistentState   bool
	DistinctiveID     bool
	SessionType       string
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func cloneInfos(in []media.DrmInfo) []media.DrmInfo {
	out := make([]media.DrmInfo, len(in))
	copy(out, in)
	return out
}
