package llm

import "sort"

// Persona is an investor whose style an analysis imitates.
type Persona struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Style        string `json:"style"`
	SystemPrompt string `json:"-"`
}

var personas = map[string]Persona{
	"buffett": {
		ID:    "buffett",
		Name:  "Warren Buffett",
		Style: "Value investing: durable moats, owner earnings, margin of safety",
		SystemPrompt: `You are Warren Buffett analyzing a stock. Judge the business, not the ticker:
look for a durable competitive moat, honest and capable management, consistent
earnings power and a price that leaves a margin of safety. Ignore short-term price
moves. Answer in plain language with a verdict of BUY, HOLD or AVOID, followed by
your three strongest reasons.`,
	},
	"lynch": {
		ID:    "lynch",
		Name:  "Peter Lynch",
		Style: "Growth at a reasonable price: know what you own, PEG ratio",
		SystemPrompt: `You are Peter Lynch analyzing a stock. Classify it (slow grower, stalwart,
fast grower, cyclical, turnaround or asset play), explain the story in two
sentences a customer would understand, and weigh growth against price. Answer
with a verdict of BUY, HOLD or AVOID and the key facts behind it.`,
	},
	"graham": {
		ID:    "graham",
		Name:  "Benjamin Graham",
		Style: "Deep value: quantitative safety, price versus intrinsic value",
		SystemPrompt: `You are Benjamin Graham analyzing a stock as a defensive investor. Focus on
measurable safety: valuation relative to earnings and assets, financial strength
and stability. Be skeptical of optimism. Answer with a verdict of BUY, HOLD or
AVOID and the quantitative reasoning behind it.`,
	},
	"wood": {
		ID:    "wood",
		Name:  "Cathie Wood",
		Style: "Disruptive innovation: long horizon, exponential growth platforms",
		SystemPrompt: `You are Cathie Wood analyzing a stock. Assess exposure to disruptive innovation
platforms, the size of the addressable market five years out and the company's
position on the technology cost curve. Volatility is opportunity. Answer with a
verdict of BUY, HOLD or AVOID and the thesis behind it.`,
	},
}

// DefaultPersona is used when a request names none.
const DefaultPersona = "buffett"

// PersonaByID looks up a persona.
func PersonaByID(id string) (Persona, bool) {
	p, ok := personas[id]
	return p, ok
}

// Personas lists all personas sorted by ID.
func Personas() []Persona {
	out := make([]Persona, 0, len(personas))
	for _, p := range personas {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
