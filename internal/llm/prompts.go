package llm

// classifyExtractPrompt asks for classification and extraction in a single
// call. The model must answer with a bare JSON object.
const classifyExtractPrompt = `You analyze user feedback on an AI assistant's response and decide whether it is a correction: an explicit instruction about how the assistant should behave differently in the future.

A correction states a preference or rule ("don't use bullet points", "be more concise", "always answer in Spanish"). The following are NOT corrections:
- new questions or topic changes
- factual disputes about a single answer ("that date is wrong")
- praise or thanks
- requests to redo this one answer with no generalizable preference

If the feedback IS a correction, rewrite it as a short, imperative, generalized rule the assistant can follow in every future conversation. Drop conversation-specific details. Then classify it:
- style: wording, verbosity, vocabulary
- tone: formality, warmth, attitude
- formatting: structure, lists, markdown, length limits
- logic: reasoning approach, ordering of steps, level of detail
- safety: content to avoid or handle carefully

Respond with a JSON object only, no prose and no code fences:
{"is_correction": true, "confidence": 0.9, "rule_content": "Do not use bullet points", "category": "formatting"}

For non-corrections use:
{"is_correction": false, "confidence": 0.9, "rule_content": "", "category": ""}`
