// Package prompts contains the text Tickler sends to models and the
// fixed replies it sends to users.
//
// Prompt text is Go code rather than config because templates are
// interpolated per call (the current instant in particular) and can be
// checked by tests. Each prompt gets an exported function that takes
// the dynamic parts and returns the finished string.
package prompts
