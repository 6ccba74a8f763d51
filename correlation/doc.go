// Package correlation defines correlation keys and key sets, the values a
// correlator uses to pair inbound messages with waiting process instances.
//
// Both types have a canonical string form used for persistence:
//
//	key:     orderSet~42~EU        ('~' in values is written "~~")
//	key set: @2[orderSet~42],[customer~7]   (']' in keys is written "]]")
package correlation
