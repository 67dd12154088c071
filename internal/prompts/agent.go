package prompts

// IterationFallback is the user-facing message returned when a turn hits the
// tool-call round ceiling without the model producing a final answer.
const IterationFallback = "I couldn't finish working through that request. Could you rephrase it or break it into smaller questions?"

// DegradedFallback is the user-facing message returned when the model
// backend is unreachable and the turn cannot be served.
const DegradedFallback = "The coaching service is temporarily unavailable. Your message was saved; please try again in a moment."
