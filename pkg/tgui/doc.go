// Package tgui builds small pieces of Telegram HTML safely: text is escaped
// on the way in and the H type marks strings that are already markup.
package tgui
