// Package matrix is the chat transport: a Matrix bot account built on
// mautrix-go.
//
// Login authenticates with an access token or a password. SetupCrypto
// optionally enables end-to-end encryption backed by a SQLite crypto store.
// Bridge then syncs and turns text messages into intake calls:
//
//	/image <prompt>   image generation
//	/search <query>   web search
//	/code <task>      code interpreter
//	/doc <question>   document library search
//	/imagemode        toggle image mode: free text becomes /image
//	/exit             leave image mode
//	/reset, /new      clear the conversation context
//	/context          show the context summary
//	/help             list commands
//	anything else     chat with web search and code interpreter available
//
// Sender implements dispatch.Replier. Text is split with chunk.Split and
// each chunk carries an HTML body rendered from Markdown by goldmark.
package matrix
