package banner

import "fmt"

const banner = `
 ██████╗██╗  ██╗ █████╗ ████████╗███████╗██╗   ██╗███╗   ██╗ ██████╗
██╔════╝██║  ██║██╔══██╗╚══██╔══╝██╔════╝╚██╗ ██╔╝████╗  ██║██╔════╝
██║     ███████║███████║   ██║   ███████╗ ╚████╔╝ ██╔██╗ ██║██║
██║     ██╔══██║██╔══██║   ██║   ╚════██║  ╚██╔╝  ██║╚██╗██║██║
╚██████╗██║  ██║██║  ██║   ██║   ███████║   ██║   ██║ ╚████║╚██████╗
 ╚═════╝╚═╝  ╚═╝╚═╝  ╚═╝   ╚═╝   ╚══════╝   ╚═╝   ╚═╝  ╚═══╝ ╚═════╝
`

// Print shows startup info: listen address, storage path, config sources
// and version.
func Print(addr, dbPath, sources, version string) {
	fmt.Print(banner)
	fmt.Println("== Config =====================================================")
	fmt.Printf("Listen:   %s\n", addr)
	fmt.Printf("DB Path:  %s\n", dbPath)
	if version != "" {
		fmt.Printf("Version:  %s\n", version)
	}
	if sources != "" {
		fmt.Printf("Config sources: %s\n", sources)
	}
	fmt.Println("\n== Endpoints ==================================================")
	fmt.Println("GET  /v1/sessions/{id}/ws - session sync channel (websocket)")
	fmt.Println("POST /v1/sessions - create or upsert a session")
	fmt.Println("GET  /v1/sessions?user_id=<id>&limit=<n>&offset=<n> - list sessions")
	fmt.Println("POST /v1/sessions/{id}/messages - append a message")
	fmt.Println("GET  /v1/sessions/{id}/messages?limit=<n>&offset=<n> - list messages")
	fmt.Println("\n== Examples ===================================================")
	fmt.Printf("curl -X POST 'http://localhost%s/v1/sessions/s1/messages' -d '{\"role\":\"user\",\"content\":\"hello\"}'\n", addr)
	fmt.Printf("curl 'http://localhost%s/v1/sessions/s1/messages?limit=10'\n", addr)
}
