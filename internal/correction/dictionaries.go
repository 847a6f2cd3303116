package correction

// Word lists are lowercase. Anything listed here is treated as already correct.
var commonWords = []string{
	"a", "about", "after", "all", "also", "am", "an", "and", "any", "are", "as", "at",
	"back", "be", "because", "been", "but", "by",
	"can", "city", "come", "could",
	"day", "do", "even", "first", "for", "from",
	"get", "give", "go", "good",
	"had", "has", "have", "he", "her", "him", "his", "home", "how",
	"i", "if", "in", "into", "is", "it", "its",
	"just", "know", "like", "look",
	"make", "man", "many", "may", "me", "men", "more", "most", "much", "must", "my",
	"name", "new", "news", "no", "not", "now", "number",
	"of", "on", "one", "only", "or", "other", "our", "out", "over",
	"people", "said", "say", "see", "she", "so", "some", "take", "than", "that", "the",
	"their", "them", "then", "there", "these", "they", "think", "this", "time", "to", "two",
	"up", "us", "use", "was", "way", "we", "well", "were", "what", "when", "which", "who",
	"will", "with", "work", "would", "year", "you", "your",

	// archive vocabulary
	"article", "council", "daily", "edition", "editor", "hall", "herald", "issue",
	"mayor", "meeting", "morning", "page", "paper", "press", "report", "reported",
	"street", "times", "today", "tomorrow", "town", "week", "world", "yesterday",

	// legitimate words containing letter shapes that OCR confuses
	"burn", "born", "concern", "corner", "eastern", "government", "internal", "journal",
	"journey", "learn", "modern", "northern", "pattern", "return", "southern", "term",
	"turn", "western", "clear", "close", "could", "would", "should",

	// form fields
	"address", "amount", "company", "date", "director", "due", "email", "fax", "invoice",
	"manager", "mobile", "payment", "phone", "quantity", "receipt", "subtotal", "tax",
	"tel", "total", "website",
}

// misreads maps common OCR misreadings to the intended word.
var misreads = map[string]string{
	"0f":      "of",
	"1n":      "in",
	"1s":      "is",
	"1t":      "it",
	"bave":    "have",
	"frorn":   "from",
	"horne":   "home",
	"narne":   "name",
	"nurnber": "number",
	"otber":   "other",
	"rnay":    "may",
	"rnore":   "more",
	"sorne":   "some",
	"tbat":    "that",
	"tbe":     "the",
	"tbere":   "there",
	"tbey":    "they",
	"tbis":    "this",
	"teh":     "the",
	"tirne":   "time",
	"tlie":    "the",
	"wbat":    "what",
	"wben":    "when",
	"wbich":   "which",
	"witb":    "with",
	"wlth":    "with",
}

type confusion struct {
	from, to string
}

// confusions are tried in order; the order breaks ties between candidates with
// equal edit distance.
var confusions = []confusion{
	{"rn", "m"},
	{"m", "rn"},
	{"cl", "d"},
	{"vv", "w"},
	{"ii", "u"},
	{"li", "h"},
	{"0", "o"},
	{"1", "l"},
	{"1", "i"},
	{"5", "s"},
	{"8", "b"},
	{"|", "l"},
}

type term struct {
	from, to string
}

// documentTerms are whole-word, case-insensitive replacements applied per
// document type.
var documentTerms = map[string][]term{
	"business_card": {
		{"Adress", "Address"},
		{"Cornpany", "Company"},
		{"Ernail", "Email"},
		{"E-rnail", "E-mail"},
		{"Manaqer", "Manager"},
		{"Mobi1e", "Mobile"},
		{"Oirector", "Director"},
		{"Te1", "Tel"},
		{"Webslte", "Website"},
	},
	"invoice": {
		{"Arnount", "Amount"},
		{"lnvoice", "Invoice"},
		{"Oate", "Date"},
		{"Payrnent", "Payment"},
		{"Quantlty", "Quantity"},
		{"Subtota1", "Subtotal"},
		{"Tota1", "Total"},
	},
	"receipt": {
		{"Cash1er", "Cashier"},
		{"Chanqe", "Change"},
		{"Rece1pt", "Receipt"},
		{"Subtota1", "Subtotal"},
		{"Tota1", "Total"},
	},
	"newspaper": {
		{"Ed1tion", "Edition"},
		{"Ed1tor", "Editor"},
		{"Heraid", "Herald"},
	},
}
