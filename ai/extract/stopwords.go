package extract

// stopWords holds the fixed per-locale stop-word lists.
var stopWords = map[string]map[string]struct{}{
	"en": set(
		"a", "about", "above", "after", "again", "against", "all", "also", "am", "an", "and", "any", "are",
		"around", "as", "at", "be", "because", "been", "before", "being", "below", "between", "both", "but",
		"by", "can", "could", "did", "do", "does", "doing", "down", "during", "each", "even", "ever", "few",
		"for", "from", "further", "had", "has", "have", "having", "he", "her", "here", "hers", "herself",
		"him", "himself", "his", "how", "i", "if", "in", "into", "is", "it", "its", "itself", "just", "like",
		"me", "more", "most", "my", "myself", "near", "nearby", "no", "nor", "not", "now", "of", "off", "on",
		"once", "only", "or", "other", "our", "ours", "ourselves", "out", "over", "own", "same", "she",
		"should", "so", "some", "such", "than", "that", "the", "their", "theirs", "them", "themselves",
		"then", "there", "these", "they", "this", "those", "through", "to", "too", "under", "until", "up",
		"very", "was", "we", "were", "what", "when", "where", "which", "while", "who", "whom", "why", "will",
		"with", "would", "you", "your", "yours", "yourself", "yourselves", "anyone", "someone", "something",
		"anything", "else", "got", "get", "really", "thing", "things", "any", "show", "find", "tell",
	),
	"es": set(
		"a", "al", "algo", "algunas", "algunos", "ante", "antes", "como", "con", "contra", "cual", "cuando",
		"de", "del", "desde", "donde", "durante", "e", "el", "ella", "ellas", "ellos", "en", "entre", "era",
		"eres", "es", "esa", "ese", "eso", "esta", "estaba", "estar", "este", "esto", "estos", "fue", "ha",
		"hay", "he", "la", "las", "le", "les", "lo", "los", "me", "mi", "mis", "mucho", "muy", "nada", "ni",
		"no", "nos", "nosotros", "o", "otra", "otro", "para", "pero", "poco", "por", "porque", "que", "quien",
		"se", "ser", "si", "sin", "sobre", "su", "sus", "también", "tan", "te", "tengo", "ti", "todo", "tu",
		"tus", "un", "una", "uno", "unos", "vi", "y", "ya", "yo", "cerca",
	),
	"fr": set(
		"a", "à", "ai", "au", "aux", "avec", "avait", "c", "ce", "ces", "cette", "comme", "dans", "de", "des",
		"du", "elle", "elles", "en", "est", "et", "été", "être", "eu", "il", "ils", "j", "je", "l", "la", "le",
		"les", "leur", "lui", "ma", "mais", "me", "mes", "moi", "mon", "ne", "nous", "on", "ou", "où", "par",
		"pas", "pour", "près", "qu", "que", "qui", "sa", "se", "ses", "son", "sur", "ta", "te", "tes", "toi",
		"ton", "tu", "un", "une", "vos", "votre", "vous", "y", "vu", "j'ai",
	),
}

func set(words ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}
