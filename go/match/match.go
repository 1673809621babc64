// Package match evaluates the catalog's fingerprint triggers against
// received study groups.
package match

import (
	"regexp"

	lru "github.com/hashicorp/golang-lru/v2"
	log "github.com/sirupsen/logrus"

	"github.com/openaxial/dicomgw/go/catalog"
	"github.com/openaxial/dicomgw/go/scp"
)

// Match pairs a matching fingerprint with the directories of the series
// that matched it.
type Match struct {
	Fingerprint catalog.Fingerprint
	SeriesDirs  []string
}

// Matcher evaluates fingerprints against study groups, caching compiled
// patterns across evaluations.
type Matcher struct {
	patterns *lru.Cache[string, *regexp.Regexp]
}

func NewMatcher() *Matcher {
	var patterns, err = lru.New[string, *regexp.Regexp](1024)
	if err != nil {
		panic(err)
	}
	return &Matcher{patterns: patterns}
}

// Evaluate returns the fingerprints matching the study group, in the order
// given (catalog insertion order), each with its matched series directories.
//
// A trigger hits a series when its study and series description patterns
// search case-insensitively into the series attributes, and its SOP class
// UID (if present) is equal. An absent clause passes. A fingerprint whose
// exclude pattern hits any attribute of any series never matches, regardless
// of its other triggers.
func (m *Matcher) Evaluate(group *scp.StudyGroup, fingerprints []catalog.Fingerprint) []Match {
	var series = group.SortedSeries()
	var out []Match

	for _, fp := range fingerprints {
		if m.excluded(fp, series) {
			continue
		}
		var dirs []string
		for _, s := range series {
			for _, t := range fp.Triggers {
				if m.triggerHits(t, s) {
					dirs = append(dirs, s.Dir)
					break
				}
			}
		}
		if len(dirs) != 0 {
			out = append(out, Match{Fingerprint: fp, SeriesDirs: dirs})
		}
	}
	return out
}

func (m *Matcher) excluded(fp catalog.Fingerprint, series []*scp.SeriesInstance) bool {
	for _, t := range fp.Triggers {
		if t.ExcludePattern == "" {
			continue
		}
		for _, s := range series {
			for _, field := range []string{
				s.SeriesInstanceUID, s.StudyDescription, s.SeriesDescription, s.SOPClassUID,
			} {
				if m.search(t.ExcludePattern, field) {
					log.WithFields(log.Fields{
						"fingerprint": fp.HumanReadableID,
						"series":      s.SeriesInstanceUID,
					}).Debug("fingerprint excluded")
					return true
				}
			}
		}
	}
	return false
}

func (m *Matcher) triggerHits(t catalog.Trigger, s *scp.SeriesInstance) bool {
	if t.StudyDescriptionPattern != "" && !m.search(t.StudyDescriptionPattern, s.StudyDescription) {
		return false
	}
	if t.SeriesDescriptionPattern != "" && !m.search(t.SeriesDescriptionPattern, s.SeriesDescription) {
		return false
	}
	if t.SOPClassUIDExact != "" && t.SOPClassUIDExact != s.SOPClassUID {
		return false
	}
	return true
}

// search reports whether the case-insensitive pattern matches anywhere in
// value. Patterns that fail to compile never match; the catalog validates
// patterns at insert, so a failure here means the row predates validation.
func (m *Matcher) search(pattern, value string) bool {
	var re, ok = m.patterns.Get(pattern)
	if !ok {
		var err error
		if re, err = regexp.Compile("(?i)" + pattern); err != nil {
			log.WithFields(log.Fields{"pattern": pattern, "err": err}).
				Warn("trigger pattern does not compile")
			m.patterns.Add(pattern, nil)
			return false
		}
		m.patterns.Add(pattern, re)
	}
	return re != nil && re.MatchString(value)
}
