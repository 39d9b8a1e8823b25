package capture

// QUICFilter selects the traffic of the endpoints under test.
const QUICFilter = "udp port 443"
