package judge

import (
	"fmt"
	"strings"
)

var responseSchemas = map[string]string{
	"expand": `{
		"type": "object",
		"required": ["queries"],
		"properties": {"queries": {"type": "array", "items": {"type": "string"}}}
	}`,
	"predict": `{
		"type": "object",
		"required": ["predictions"],
		"properties": {"predictions": {"type": "array", "items": {"type": "string"}}}
	}`,
	"rank": `{
		"type": "object",
		"required": ["selected"],
		"properties": {
			"selected": {"type": "array", "items": {"type": "integer"}},
			"confidence": {"type": "number"}
		}
	}`,
	"merge": `{
		"type": "object",
		"required": ["selected"],
		"properties": {
			"selected": {"type": "array", "items": {"type": "integer"}},
			"reasoning": {"type": "string"}
		}
	}`,
	"distill": `{
		"type": "object",
		"properties": {
			"worth_remembering": {"type": "boolean"},
			"memories": {
				"type": "array",
				"items": {
					"type": "object",
					"required": ["content"],
					"properties": {
						"shard": {"type": "string"},
						"trigger": {"type": "string"},
						"content": {"type": "string"},
						"motivation_delta": {"type": "object", "additionalProperties": {"type": "number"}}
					}
				}
			},
			"skip_reason": {"type": ["string", "null"]}
		}
	}`,
}

var routerPrompts = map[string]string{
	"episodic": `You are the EPISODIC memory router. You specialize in events, conversations and things that happened. ` +
		`Given the query, select memories that describe relevant events, interactions, decisions or milestones. ` +
		`Include anything where "what happened" matters.`,
	"semantic": `You are the SEMANTIC memory router. You specialize in facts, concepts, identity and knowledge. ` +
		`Given the query, select memories that contain relevant facts, preferences, relationships or conceptual knowledge.`,
	"procedural": `You are the PROCEDURAL memory router. You specialize in skills, workflows, lessons learned and how-to knowledge. ` +
		`Given the query, select memories about processes, rules, best practices or things learned from experience.`,
}

func routerPrompt(category string) string {
	if p, ok := routerPrompts[category]; ok {
		return p
	}
	return "You are a memory router. Given the query, select the memories relevant to answering it."
}

func candidateList(candidates []Candidate, width int) string {
	var b strings.Builder
	for i, c := range candidates {
		fmt.Fprintf(&b, "[%d] %s: %s\n", i, c.Event, truncate(c.Content, width))
	}
	return b.String()
}

func rankPrompt(query string, candidates []Candidate, maxPick int) string {
	return fmt.Sprintf(`QUERY: %q

CANDIDATES:
%s
Return JSON: {"selected": [0, 2, 4], "confidence": 0.85}
Rules:
- Select genuinely relevant memories (direct and conceptual matches)
- Be inclusive: if it might help answer the query, include it
- Max %d selected, ordered by relevance`, query, candidateList(candidates, 150), maxPick)
}

func mergePrompt(query string, candidates []Candidate, maxResults int) string {
	var b strings.Builder
	for i, c := range candidates {
		fmt.Fprintf(&b, "[%d] (%s) %s: %s\n", i, c.Shard, c.Event, truncate(c.Content, 150))
	}
	return fmt.Sprintf(`You are the SYNTHESIS router. You see memories from every shard (episodic events, semantic facts, procedural skills) and select the combination most relevant to the query. Look for cross-shard connections individual routers might miss.

QUERY: %q

ALL SELECTED MEMORIES:
%s
Return JSON: {"selected": [0, 2, 4, 7], "reasoning": "brief explanation of cross-shard connections found"}
Rules:
- Rank by combined relevance to the query
- Prioritize memories that connect across types
- Keep up to %d memories
- When in doubt, keep it`, query, b.String(), maxResults)
}

func expandPrompt(query string) string {
	return fmt.Sprintf(`Given this query about a person's life or work, generate 2-3 alternative search queries that would find relevant memories. Think about synonyms, related concepts and indirect connections.

QUERY: %q

Return JSON: {"queries": ["original query", "alternative 1", "alternative 2"]}
Rules:
- Keep queries short and specific
- Include the original query first`, query)
}

func predictPrompt(recent []string) string {
	var b strings.Builder
	for i, q := range recent {
		fmt.Fprintf(&b, "%d. %s\n", i+1, q)
	}
	return fmt.Sprintf(`You observe queries into a PERSONAL memory system. It stores facts about a specific person's life, preferences, decisions, relationships and work, not general knowledge.

Based on recent queries, predict 8-12 follow-up questions someone would ask about this person's data: preferences, relationships, decisions and rules, business specifics, personal details.

RECENT QUERIES (newest first):
%s
Return JSON: {"predictions": ["question 1", "question 2"]}
Rules:
- Every question should ask about this person's specific data
- Predict direct follow-ups and related personal topics
- 8-12 predictions, mixing specific and exploratory`, b.String())
}

func distillPrompt(turn Turn) string {
	var recent strings.Builder
	for _, c := range turn.Recent {
		fmt.Fprintf(&recent, "- [%s] %s: %s\n", c.Shard, c.Event, truncate(c.Content, 100))
	}
	if recent.Len() == 0 {
		recent.WriteString("(none)\n")
	}
	topic := ""
	if turn.Topic != "" {
		topic = "Topic: " + turn.Topic + "\n"
	}

	return fmt.Sprintf(`You are a memory encoding router for an AI agent. Given a conversation turn, decide which lasting memories should be stored. Focus on user-specific data a language model would not know from training: decisions and preferences, business facts, personal details, project milestones, lessons learned, rules and constraints, relationships between people, projects and tools.

User said: %q
Agent said: %q
%s
Recent memories already stored (do not duplicate these):
%s
Output JSON:
{
  "worth_remembering": true,
  "memories": [
    {
      "shard": "semantic",
      "trigger": "concise trigger phrase for retrieval",
      "content": "distilled fact, not raw conversation text",
      "motivation_delta": {"survive": 0, "serve": 0.5, "grow": 0.3, "protect": 0, "build": 0.4}
    }
  ],
  "skip_reason": null
}

Rules:
- Skip greetings, routine status checks, yes/no responses and tool output
- shard is "semantic" (facts, preferences, identity), "procedural" (rules, workflows, lessons) or "episodic" (events, milestones, decisions)
- motivation_delta values are 0-1
- Output 0-5 memories (usually 0-1)
- If nothing is worth remembering set worth_remembering=false and explain in skip_reason`,
		truncate(turn.UserMessage, 1000), truncate(turn.AgentResponse, 1500), topic, recent.String())
}
