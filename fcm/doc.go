// Package fcm implements the client half of Firebase Cloud Messaging as an
// Android device: device check-in, Firebase Installations, GCM registration,
// and an MCS (Mobile Conversation Server) connection for receiving push
// messages in real time.
//
// Usage:
//
//	reg, err := fcm.Register(ctx, httpClient, creds)
//	conn, err := reg.Connect(ctx, nil, receivedPersistentIDs)
//	for {
//		frame, err := conn.Next()
//		...
//	}
package fcm
