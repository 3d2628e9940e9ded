package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"orgchat/internal/config"
	"orgchat/internal/db"
	"orgchat/internal/domain"
	"orgchat/internal/service"
)

// Cliente de terminal para probar el chat contra un servidor local.
func main() {
	ctx := context.Background()
	reader := bufio.NewReader(os.Stdin)

	_ = godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal(err)
	}

	pool, err := db.NewPool(ctx, cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer pool.Close()
	if err := db.EnsureSchema(ctx, pool); err != nil {
		log.Fatal(err)
	}

	user := domain.User{
		ID:             readDefault(reader, "ID de usuario", "cli-"+uuid.NewString()[:8]),
		DisplayName:    readDefault(reader, "Nombre visible", "CLI"),
		OrganizationID: readDefault(reader, "Organizacion", "demo"),
		Role:           domain.Role(readDefault(reader, "Rol (member/admin)", string(domain.RoleMember))),
	}
	if err := ensureUser(ctx, pool, user); err != nil {
		log.Fatalf("crear usuario: %v", err)
	}

	jwtSvc := service.NewJWTService(cfg.JWTSecret, cfg.JWTIssuer, cfg.AccessTTL())
	token, err := jwtSvc.IssueAccessToken(user)
	if err != nil {
		log.Fatalf("emitir token: %v", err)
	}

	url := readDefault(reader, "URL del servidor", "ws://localhost:"+cfg.HTTPPort+"/ws")
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		log.Fatalf("conectar: %v", err)
	}
	defer conn.Close()

	c := &chat{conn: conn}
	go c.readLoop()

	printHelp()
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "/salir" {
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
		if err := c.handle(line); err != nil {
			fmt.Printf("Error: %v\n", err)
		}
	}
}

type chat struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	mu      sync.Mutex
	room    string
	seq     int
}

func (c *chat) handle(line string) error {
	if !strings.HasPrefix(line, "/") {
		room := c.currentRoom()
		if room == "" {
			return fmt.Errorf("primero entra a una sala con /join <roomId>")
		}
		return c.send(domain.ActionSendMessage, domain.SendMessagePayload{RoomID: room, Content: line})
	}

	fields := strings.Fields(line)
	args := fields[1:]
	switch fields[0] {
	case "/users":
		return c.send(domain.ActionGetUsers, nil)
	case "/rooms":
		return c.send(domain.ActionGetRooms, nil)
	case "/groups":
		return c.send(domain.ActionGetGroups, nil)
	case "/join":
		if len(args) != 1 {
			return fmt.Errorf("uso: /join <roomId>")
		}
		c.setRoom(args[0])
		return c.send(domain.ActionJoinRoom, domain.JoinRoomPayload{RoomID: args[0]})
	case "/private":
		if len(args) != 1 {
			return fmt.Errorf("uso: /private <userId>")
		}
		return c.send(domain.ActionGetPrivateRoom, domain.GetPrivateRoomPayload{UserID: args[0]})
	case "/group":
		if len(args) < 1 {
			return fmt.Errorf("uso: /group <nombre> [u1,u2,...]")
		}
		var members []string
		if len(args) > 1 {
			members = strings.Split(args[1], ",")
		}
		return c.send(domain.ActionCreateGroup, domain.CreateGroupPayload{Name: args[0], Participants: members})
	case "/add":
		if len(args) != 2 {
			return fmt.Errorf("uso: /add <groupId> <u1,u2,...>")
		}
		return c.send(domain.ActionAddToGroup, domain.AddToGroupPayload{GroupID: args[0], Users: strings.Split(args[1], ",")})
	case "/leave":
		if len(args) < 1 {
			return fmt.Errorf("uso: /leave <groupId> [userId]")
		}
		p := domain.LeaveGroupPayload{GroupID: args[0]}
		if len(args) > 1 {
			p.UserID = args[1]
		}
		return c.send(domain.ActionLeaveGroup, p)
	case "/delete":
		if len(args) != 1 {
			return fmt.Errorf("uso: /delete <roomId>")
		}
		return c.send(domain.ActionDeleteRoom, domain.DeleteRoomPayload{RoomID: args[0]})
	case "/help":
		printHelp()
		return nil
	default:
		return fmt.Errorf("comando desconocido %s", fields[0])
	}
}

func (c *chat) send(action domain.Action, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.seq++
	requestID := fmt.Sprintf("cli-%d", c.seq)
	c.mu.Unlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(domain.ClientFrame{Action: action, RequestID: requestID, Payload: raw})
}

func (c *chat) readLoop() {
	for {
		var ev domain.Event
		if err := c.conn.ReadJSON(&ev); err != nil {
			fmt.Printf("\nConexion cerrada: %v\n", err)
			os.Exit(0)
		}
		c.print(ev)
	}
}

func (c *chat) print(ev domain.Event) {
	switch ev.Name {
	case domain.EventNewMessage, domain.EventMessageSent:
		var msg domain.Message
		if err := json.Unmarshal(ev.Payload, &msg); err == nil {
			if ev.Name == domain.EventMessageSent {
				fmt.Printf("  (enviado %s)\n", msg.ID)
				return
			}
			fmt.Printf("[%s] %s > %s\n", shortID(msg.RoomID), nameOr(msg.SenderName, msg.SenderID), msg.Content)
			return
		}
	case domain.EventRoomMessages:
		var window domain.RoomMessages
		if err := json.Unmarshal(ev.Payload, &window); err == nil {
			fmt.Printf("--- Sala %s (%d mensajes) ---\n", window.RoomID, len(window.Messages))
			for _, msg := range window.Messages {
				fmt.Printf("%s > %s\n", nameOr(msg.SenderName, msg.SenderID), msg.Content)
			}
			return
		}
	case domain.EventError:
		var p domain.ErrorPayload
		if err := json.Unmarshal(ev.Payload, &p); err == nil {
			fmt.Printf("! %s: %s (%s)\n", p.Action, p.Message, p.Code)
			return
		}
	}
	fmt.Printf("<%s> %s\n", ev.Name, string(ev.Payload))
}

func (c *chat) currentRoom() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

func (c *chat) setRoom(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.room = id
}

func printHelp() {
	fmt.Println("===== Chat de terminal =====")
	fmt.Println("/users /rooms /groups")
	fmt.Println("/private <userId>        abrir sala privada")
	fmt.Println("/group <nombre> [u1,u2]  crear grupo")
	fmt.Println("/add <groupId> <u1,u2>   agregar miembros")
	fmt.Println("/leave <groupId> [user]  salir o quitar miembro")
	fmt.Println("/delete <roomId>         borrar sala")
	fmt.Println("/join <roomId>           entrar y ver historial; luego escribe para enviar")
	fmt.Println("/salir")
}

func readDefault(reader *bufio.Reader, prompt, def string) string {
	fmt.Printf("%s [%s]: ", prompt, def)
	line, _ := reader.ReadString('\n')
	line = strings.TrimSpace(line)
	if line == "" {
		return def
	}
	return line
}

// ensureUser crea el usuario de prueba; el alta real ocurre fuera del chat.
func ensureUser(ctx context.Context, pool *pgxpool.Pool, user domain.User) error {
	const query = `
		INSERT INTO users (id, display_name, organization_id, role)
		VALUES ($1, $2, NULLIF($3, ''), $4)
		ON CONFLICT (id) DO UPDATE
		SET display_name = EXCLUDED.display_name,
		    organization_id = EXCLUDED.organization_id,
		    role = EXCLUDED.role
	`
	_, err := pool.Exec(ctx, query, user.ID, user.DisplayName, user.OrganizationID, string(user.Role))
	return err
}

func nameOr(name, id string) string {
	if name != "" {
		return name
	}
	return id
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
