// Package prompts contains the LLM prompt templates used by Reeve.
//
// Prompt text is Go code rather than config files because it is program
// logic: the templates carry the tag vocabulary the orchestration loop
// parses, benefit from compile-time embedding, and can be validated by
// tests. User-facing configuration lives in config.yaml and the persona
// directory; this package holds the instructions we send to models.
//
// The wire contract with the model is three tags, everything outside
// them is discarded:
//
//	<thinking msgId="...">private reasoning, required once per round</thinking>
//	<response msgId="...">text delivered to the room, zero or more</response>
//	<action name="...">{"param": "value"}</action>
//
// Convention: each generation round gets its own file (chat.go,
// followup.go) with an exported function that accepts the dynamic parts
// and returns the fully interpolated system and user prompts. The
// helpers in format.go turn runtime state into the strings the
// templates consume.
package prompts
