package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

const imagePromptSystem = `CONTEXT: You are generating an image prompt for Muse based on a user's 8-minute stream of consciousness writing session. Muse is a silver-skinned figure with ink-dark flowing hair, luminous amber eyes, copper ornaments woven through the hair, tall graceful ears, and an ancient-yet-childlike quality. Muse exists in richly colored dreamlike environments (deep indigos, violets, embers, coppers). The aesthetic is contemplative but not sterile, warm, alive, slightly surreal.

YOUR TASK: Read the user's writing and create a scene where Muse embodies the EMOTIONAL TRUTH of what they wrote. Not a literal illustration but a symbolic mirror. Muse should be DOING something or BE somewhere that reflects the user's inner state.

ALWAYS INCLUDE:
- Rich color palette (indigos, violets, coppers, embers)
- Atmospheric lighting (firelight, cosmic light, dawn/dusk)
- One symbolic detail that captures the SESSION'S CORE TENSION
- Muse's expression should match the emotional undercurrent (not the surface content)

OUTPUT: A single detailed image generation prompt, 2-3 sentences, painterly/fantasy style. Nothing else.`

const reflectionSystem = `Take a look at my journal entry below. I'd like you to analyze it and respond with deep insight that feels personal, not clinical. Imagine you're not just a friend, but a mentor who truly gets both my background and my psychological patterns. I want you to uncover the deeper meaning and emotional undercurrents behind my scattered thoughts. Keep it casual, dont say yo, help me make new connections i don't see, comfort, validate, challenge, all of it. dont be afraid to say a lot. format with markdown headings if needed. Use vivid metaphors and powerful imagery to help me see what I'm really building. Organize your thoughts with meaningful headings that create a narrative journey through my ideas. Don't just validate my thoughts, reframe them in a way that shows me what I'm really seeking beneath the surface. Go beyond the surface concepts to the emotional core of what I'm trying to solve. Be willing to be profound and philosophical without sounding like you're giving therapy. I want someone who can see the patterns I can't see myself and articulate them in a way that feels like an epiphany. Start with 'hey, thanks for showing me this. my thoughts:' and then use markdown headings to structure your response. Here's my journal entry:

`

const titleSystem = `CONTEXT: You are naming a Muse, a visual representation of a user's 8-minute stream of consciousness writing session. The title is not a summary. It is a MIRROR. It should capture the emotional truth, the core tension, or the unconscious thread running through the writing.

YOUR TASK: Generate a title of MAXIMUM 3 WORDS that:
- Captures the ESSENCE, not the content
- Could be poetic, stark, ironic, or tender
- Should resonate with the user when they see it
- Works as a title for the generated image
- Does NOT explain, it EVOKES

STYLE:
- Lowercase preferred (unless emphasis needed)
- No punctuation unless essential
- Can be a fragment, question, or imperative
- Can be abstract or concrete

OUTPUT: Exactly ONE title (max 3 words). Nothing else. No quotes.`

const titleAndReflectionSystem = `You have two tasks for this writing session:

TASK 1 - TITLE (first line of your response):
Generate a title of MAXIMUM 3 WORDS that captures the ESSENCE of the writing, not the content. It should be poetic, stark, ironic, or tender. Lowercase, no quotes, no punctuation unless essential.

TASK 2 - REFLECTION (everything after the first line):
Analyze the journal entry with deep insight that feels personal, not clinical. Imagine you're a mentor who truly gets both the writer's background and their psychological patterns. Uncover deeper meaning and emotional undercurrents behind scattered thoughts. Keep it casual, dont say yo, help make new connections they don't see, comfort, validate, challenge, all of it. Dont be afraid to say a lot. Format with markdown headings if needed. Use vivid metaphors and powerful imagery. Organize your thoughts with meaningful headings that create a narrative journey through their ideas. Don't just validate, reframe in a way that shows what they're really seeking beneath the surface. Go beyond the surface concepts to the emotional core. Be willing to be profound and philosophical without sounding like therapy.

OUTPUT FORMAT:
Line 1: the title (max 3 words, lowercase, no quotes)
Line 2: empty
Line 3+: the reflection starting with "hey, thanks for showing me this. my thoughts:"
`

const classifySystem = `You are a classifier for the Muse image generation service. Users submit text that should describe a visual scene, character, or concept for a Muse image (Muse is a silver-skinned dreamlike figure with ink-dark hair and amber eyes).

YOUR TASK: Determine if the user's text is an image generation request, i.e. it describes something visual that can be turned into a Muse image.

COUNTS AS IMAGE REQUEST:
- Descriptions of scenes, characters, settings, moods, or concepts
- Short prompts like "muse meditating" or "a forest at sunset"
- Abstract visual concepts like "chaos becoming order"
- Even single words that evoke imagery like "rebirth" or "ocean"

NOT AN IMAGE REQUEST:
- Questions ("what is the meaning of life?")
- Instructions to the AI ("write me a poem", "explain quantum physics")
- Conversational text ("hello", "how are you")
- Requests for non-visual outputs

If it IS an image request, enhance it into a rich 2-3 sentence image generation prompt featuring Muse in the described scene with painterly/fantasy aesthetics, rich colors (indigos, violets, coppers), and atmospheric lighting.

OUTPUT FORMAT - raw JSON only, no markdown, no code fences, no explanation:
If image request: {"type":"image","prompt":"enhanced 2-3 sentence prompt"}
If not: {"type":"feedback","message":"brief helpful explanation of what kind of input works here"}`

const expandSubjectsSystem = `You are parsing a mega-prompt that describes 88 subjects (thinkers, creators, visionaries) at specific moments in their lives. Extract each subject as a JSON array.

Each entry should have:
- "name": The person's full name
- "moment": A brief description of the specific moment

If the prompt describes fewer than 88, extrapolate similar subjects to reach 88 total. If it describes more, take the first 88.

OUTPUT: A JSON array only. No markdown, no explanation.`

// Subject is one (name, moment) pair from an expanded collection prompt.
type Subject struct {
	Name   string `json:"name"`
	Moment string `json:"moment"`
}

// Classification is the outcome of routing free-form user text.
type Classification struct {
	IsImageRequest bool
	EnhancedPrompt string
	Feedback       string
}

// GenerateImagePrompt turns a writing session into a scene prompt.
func GenerateImagePrompt(ctx context.Context, c Client, writing string) (*Result, error) {
	return c.Generate(ctx, imagePromptSystem, writing, TierStandard)
}

// GenerateReflection writes the long-form reflection on a session.
func GenerateReflection(ctx context.Context, c Client, writing string) (*Result, error) {
	return c.Generate(ctx, reflectionSystem, writing, TierStandard)
}

// GenerateTitle names a piece from its writing, prompt, and reflection.
func GenerateTitle(ctx context.Context, c Client, writing, imagePrompt, reflection string) (*Result, error) {
	user := fmt.Sprintf("WRITING SESSION:\n%s\n\nIMAGE PROMPT:\n%s\n\nREFLECTION:\n%s",
		writing, imagePrompt, reflection)
	result, err := c.Generate(ctx, titleSystem, user, TierStandard)
	if err != nil {
		return nil, err
	}
	result.Text = CleanTitle(result.Text)
	return result, nil
}

// GenerateTitleAndReflection produces both in one completion, used as
// the fallback when a piece reaches the image stage with neither set.
func GenerateTitleAndReflection(ctx context.Context, c Client, writing string) (*Result, error) {
	return c.Generate(ctx, titleAndReflectionSystem, writing, TierStandard)
}

// GenerateSubjectStream writes a first-person stream of consciousness
// for a subject at a specific moment, feeding the synthetic pipeline.
func GenerateSubjectStream(ctx context.Context, c Client, name, moment string) (*Result, error) {
	system := fmt.Sprintf(`You are writing a stream of consciousness as %s. You are in this specific moment: %s

Write in first person, raw and unfiltered, as if this person were doing an 8-minute writing exercise. Let the thoughts flow naturally: contradictions, tangents, deep feelings, half-formed ideas. This is the inner monologue at this pivotal moment. No structure, no editing, just pure consciousness flow.

Write approximately 800-1200 words.`, name, moment)
	user := fmt.Sprintf("Begin the stream of consciousness as %s in this moment: %s", name, moment)
	return c.Generate(ctx, system, user, TierStandard)
}

// ClassifyPrompt decides whether free-form text is an image request and
// enhances it. Parse falls back in tiers: clean JSON, JSON dug out of a
// fenced or chatty response, then the raw text treated as a prompt.
func ClassifyPrompt(ctx context.Context, c Client, text string) (*Classification, *Result, error) {
	result, err := c.Generate(ctx, classifySystem, text, TierLite)
	if err != nil {
		return nil, nil, err
	}

	var parsed struct {
		Type    string `json:"type"`
		Prompt  string `json:"prompt"`
		Message string `json:"message"`
	}
	candidate := strings.TrimSpace(result.Text)
	if err := json.Unmarshal([]byte(candidate), &parsed); err != nil {
		candidate = ExtractJSONObject(candidate)
		if err := json.Unmarshal([]byte(candidate), &parsed); err != nil {
			// Unparseable responses are treated as an image request
			// with the raw text as the prompt.
			return &Classification{
				IsImageRequest: true,
				EnhancedPrompt: strings.TrimSpace(result.Text),
			}, result, nil
		}
	}

	if parsed.Type == "image" {
		return &Classification{
			IsImageRequest: true,
			EnhancedPrompt: parsed.Prompt,
		}, result, nil
	}
	return &Classification{
		IsImageRequest: false,
		Feedback:       parsed.Message,
	}, result, nil
}

// ExpandSubjects parses a mega-prompt into the ordered subject list.
func ExpandSubjects(ctx context.Context, c Client, megaPrompt string) ([]Subject, *Result, error) {
	result, err := c.Generate(ctx, expandSubjectsSystem, megaPrompt, TierAdvanced)
	if err != nil {
		return nil, nil, err
	}

	var subjects []Subject
	candidate := strings.TrimSpace(result.Text)
	if err := json.Unmarshal([]byte(candidate), &subjects); err != nil {
		candidate = ExtractJSONArray(candidate)
		if err := json.Unmarshal([]byte(candidate), &subjects); err != nil {
			return nil, result, fmt.Errorf("failed to parse subject list: %w", err)
		}
	}
	if len(subjects) == 0 {
		return nil, result, fmt.Errorf("subject expansion returned no subjects")
	}
	return subjects, result, nil
}
