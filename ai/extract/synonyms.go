package extract

import "sync"

type term struct {
	locale string
	word   string
}

// synonymGroups are bidirectional: every member maps to every other member.
var synonymGroups = [][]term{
	{{"en", "ufo"}, {"en", "uap"}, {"es", "ovni"}, {"fr", "ovni"}},
	{{"en", "alien"}, {"es", "extraterrestre"}, {"fr", "extraterrestre"}},
	{{"en", "ghost"}, {"en", "apparition"}, {"en", "spirit"}, {"es", "fantasma"}, {"fr", "fantôme"}, {"fr", "esprit"}},
	{{"en", "lake"}, {"es", "lago"}, {"fr", "lac"}},
	{{"en", "light"}, {"es", "luz"}, {"es", "luces"}, {"fr", "lumière"}},
	{{"en", "orb"}, {"es", "orbe"}, {"fr", "orbe"}},
	{{"en", "dream"}, {"es", "sueño"}, {"fr", "rêve"}},
	{{"en", "forest"}, {"en", "woods"}, {"es", "bosque"}, {"fr", "forêt"}},
	{{"en", "sky"}, {"es", "cielo"}, {"fr", "ciel"}},
	{{"en", "shadow"}, {"es", "sombra"}, {"fr", "ombre"}},
	{{"en", "night"}, {"es", "noche"}, {"fr", "nuit"}},
	{{"en", "mountain"}, {"es", "montaña"}, {"fr", "montagne"}},
	{{"en", "cryptid"}, {"en", "creature"}, {"es", "criatura"}, {"fr", "créature"}},
	{{"en", "bigfoot"}, {"en", "sasquatch"}, {"en", "yeti"}},
	{{"en", "voice"}, {"es", "voz"}, {"fr", "voix"}},
	{{"en", "tunnel"}, {"es", "túnel"}, {"fr", "tunnel"}},
	{{"en", "death"}, {"es", "muerte"}, {"fr", "mort"}},
	{{"en", "triangle"}, {"es", "triángulo"}, {"fr", "triangle"}},
	{{"en", "figure"}, {"es", "figura"}, {"fr", "silhouette"}},
	{{"en", "cold"}, {"es", "frío"}, {"fr", "froid"}},
}

type expansion struct {
	words []string // surface forms, used as tags
	stems []string // stemmed forms, used as keywords
}

var (
	synonymOnce  sync.Once
	synonymIndex map[string][]int
	expansions   []expansion
)

// buildSynonyms indexes each group by surface form and by stem.
func buildSynonyms() {
	synonymIndex = map[string][]int{}
	expansions = make([]expansion, len(synonymGroups))
	for i, group := range synonymGroups {
		for _, t := range group {
			stemmed := stem(t.word, t.locale)
			expansions[i].words = append(expansions[i].words, t.word)
			expansions[i].stems = append(expansions[i].stems, stemmed)
			synonymIndex[t.word] = appendUnique(synonymIndex[t.word], i)
			synonymIndex[stemmed] = appendUnique(synonymIndex[stemmed], i)
		}
	}
}

// expand returns every group the word or its stem belongs to.
func expand(word, stemmed string) []expansion {
	synonymOnce.Do(buildSynonyms)
	var groups []int
	for _, key := range []string{word, stemmed} {
		for _, g := range synonymIndex[key] {
			groups = appendUnique(groups, g)
		}
	}
	out := make([]expansion, 0, len(groups))
	for _, g := range groups {
		out = append(out, expansions[g])
	}
	return out
}

func appendUnique(list []int, v int) []int {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}
